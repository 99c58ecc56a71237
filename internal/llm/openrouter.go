package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	oaioption "github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// OpenRouter defaults.
const (
	OpenRouterBaseURL      = "https://openrouter.ai/api/v1"
	OpenRouterDefaultModel = "deepseek/deepseek-chat-v3-0324:free"
)

// OpenRouterOptions configures an OpenRouter caller.
type OpenRouterOptions struct {
	APIKey    string
	BaseURL   string // default OpenRouterBaseURL
	Model     string // default OpenRouterDefaultModel
	SiteURL   string // sent as HTTP-Referer for OpenRouter rankings
	SiteName  string // sent as X-Title
	MaxTokens int64  // 0 leaves the provider default
}

// OpenRouter calls OpenAI-compatible chat completions on OpenRouter.
type OpenRouter struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

// NewOpenRouter creates an OpenRouter caller.
func NewOpenRouter(opts OpenRouterOptions) *OpenRouter {
	if opts.BaseURL == "" {
		opts.BaseURL = OpenRouterBaseURL
	}
	if opts.Model == "" {
		opts.Model = OpenRouterDefaultModel
	}

	reqOpts := []oaioption.RequestOption{
		oaioption.WithAPIKey(opts.APIKey),
		oaioption.WithBaseURL(opts.BaseURL),
		oaioption.WithMaxRetries(0),
	}
	if opts.SiteURL != "" {
		reqOpts = append(reqOpts, oaioption.WithHeader("HTTP-Referer", opts.SiteURL))
	}
	if opts.SiteName != "" {
		reqOpts = append(reqOpts, oaioption.WithHeader("X-Title", opts.SiteName))
	}

	return &OpenRouter{
		client:    openai.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}
}

// Complete implements Caller.
func (o *OpenRouter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.F(openai.ChatModel(model)),
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		}),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openai.F(o.maxTokens)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, eris.Wrap(classify(err, status), "llm: openrouter completion")
	}

	if len(completion.Choices) == 0 {
		return nil, eris.Wrap(malformed("no choices in completion %q", completion.ID), "llm: openrouter completion")
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, eris.Wrap(malformed("empty message content in completion %q", completion.ID), "llm: openrouter completion")
	}

	usage := Usage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	zap.L().Info("llm: completion",
		zap.String("provider", "openrouter"),
		zap.String("model", completion.Model),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.String("finish_reason", string(completion.Choices[0].FinishReason)),
	)

	return &Response{Text: text, Model: completion.Model, Usage: usage}, nil
}
