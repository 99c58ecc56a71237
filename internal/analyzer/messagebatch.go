package analyzer

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/llm"
	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/prompt"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
	"github.com/sells-group/lmm-analyzer/pkg/anthropic"
)

// MessageBatchDispatcher uses the Anthropic Message Batches API as a remote
// work queue. Each analysis batch becomes one message batch holding a single
// request whose custom id is the batch index; the handle id is the remote
// batch id. Message batches are billed at half price but may take hours.
type MessageBatchDispatcher struct {
	analyzer *Analyzer
	client   anthropic.Client
	requests *llm.Anthropic
	onBatch  BatchFunc
	poll     []anthropic.PollOption
}

// NewMessageBatchDispatcher creates a dispatcher submitting to client.
// onBatch (optional) receives each collected batch.
func NewMessageBatchDispatcher(a *Analyzer, client anthropic.Client, model string, maxTokens int64, onBatch BatchFunc, poll ...anthropic.PollOption) *MessageBatchDispatcher {
	return &MessageBatchDispatcher{
		analyzer: a,
		client:   client,
		requests: llm.NewAnthropic(client, model, maxTokens),
		onBatch:  onBatch,
		poll:     poll,
	}
}

// Submit creates the remote message batch for b.
func (d *MessageBatchDispatcher) Submit(ctx context.Context, b model.Batch) (Handle, error) {
	text := prompt.Build(b)
	req := anthropic.BatchRequest{
		Requests: []anthropic.BatchRequestItem{{
			CustomID: customID(b),
			Params:   d.requests.MessageRequest(llm.Request{Prompt: text, Model: d.analyzer.opts.Model}),
		}},
	}

	retry := resilience.FixedDelay(d.analyzer.opts.MaxRetries, d.analyzer.opts.RetryDelay)
	retry.OnRetry = resilience.RetryLogger("analyzer: create message batch", zap.Int("batch", b.Index))
	retry.ShouldRetry = func(err error) bool { return !anthropic.IsAuthError(err) }

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.BatchResponse, error) {
		return d.client.CreateBatch(ctx, req)
	})
	if err != nil {
		return Handle{}, eris.Wrapf(err, "analyzer: submit batch %d", b.Index)
	}

	zap.L().Info("analyzer: message batch created",
		zap.String("message_batch_id", resp.ID),
		zap.Int("batch", b.Index),
		zap.Int("posts", b.Len()),
		zap.Int("prompt_chars", len(text)),
	)
	return Handle{ID: resp.ID, Batch: b}, nil
}

// Collect polls the message batch until it ends, then parses its reply,
// updates the cache and hands the results to the callback.
func (d *MessageBatchDispatcher) Collect(ctx context.Context, h Handle) ([]model.AnalysisResult, error) {
	results, err := d.collect(ctx, h)
	if err != nil {
		if opts := d.analyzer.opts; opts.OnFailure != nil && ctx.Err() == nil {
			opts.OnFailure(ctx, h.Batch, err)
		}
		return nil, err
	}
	notify(ctx, d.onBatch, h.Batch, results)
	return results, nil
}

func (d *MessageBatchDispatcher) collect(ctx context.Context, h Handle) ([]model.AnalysisResult, error) {
	if _, err := anthropic.PollBatch(ctx, d.client, h.ID, d.poll...); err != nil {
		return nil, eris.Wrapf(err, "analyzer: poll message batch %s", h.ID)
	}

	iter, err := d.client.GetBatchResults(ctx, h.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "analyzer: fetch results of %s", h.ID)
	}
	drained, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, eris.Wrapf(err, "analyzer: drain results of %s", h.ID)
	}

	msg, ok := drained.Succeeded[customID(h.Batch)]
	if !ok {
		return nil, eris.Errorf("analyzer: message batch %s has no successful result for batch %d", h.ID, h.Batch.Index)
	}
	msg.Usage.LogCost(msg.Model, true)

	resp, err := llm.FromMessage(msg)
	if err != nil {
		return nil, eris.Wrapf(err, "analyzer: message batch %s", h.ID)
	}
	return d.analyzer.Absorb(ctx, h.Batch, resp.Text), nil
}

func customID(b model.Batch) string {
	return "batch-" + strconv.Itoa(b.Index)
}
