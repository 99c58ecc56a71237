package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lmm-analyzer/pkg/anthropic"
)

// DefaultAnthropicMaxTokens bounds the reply when no limit is configured.
const DefaultAnthropicMaxTokens = 8192

// Anthropic calls the Claude Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic caller over client.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

// MessageRequest builds the Messages API request for req. The message batch
// dispatcher uses it to submit the same request asynchronously.
func (a *Anthropic) MessageRequest(req Request) anthropic.MessageRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}
	return anthropic.MessageRequest{Model: model, MaxTokens: a.maxTokens, Prompt: req.Prompt}
}

// Complete implements Caller.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	msgReq := a.MessageRequest(req)

	msg, err := a.client.CreateMessage(ctx, msgReq)
	if err != nil {
		return nil, eris.Wrap(classify(err, anthropic.StatusCode(err)), "llm: anthropic completion")
	}

	resp, err := FromMessage(msg)
	if err != nil {
		return nil, eris.Wrap(err, "llm: anthropic completion")
	}
	msg.Usage.LogCost(msgReq.Model, false)
	return resp, nil
}

// FromMessage converts a Messages API reply to a Response.
func FromMessage(msg *anthropic.MessageResponse) (*Response, error) {
	text := msg.Text()
	if strings.TrimSpace(text) == "" {
		return nil, malformed("no text content in message %q (stop reason %q)", msg.ID, msg.StopReason)
	}
	return &Response{
		Text:  text,
		Model: msg.Model,
		Usage: Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens},
	}, nil
}
