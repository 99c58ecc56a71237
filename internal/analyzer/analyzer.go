// Package analyzer orchestrates a post analysis run: consistency-cache
// lookups, batching, model calls with retry, response parsing and
// incremental delivery of results.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/batch"
	"github.com/sells-group/lmm-analyzer/internal/consistency"
	"github.com/sells-group/lmm-analyzer/internal/llm"
	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/prompt"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

// BatchFunc receives the results of one batch as soon as it completes.
// Errors and panics are logged and never stop the run.
type BatchFunc func(ctx context.Context, b model.Batch, results []model.AnalysisResult) error

// FailureFunc is told about a batch that exhausted its retry budget.
type FailureFunc func(ctx context.Context, b model.Batch, err error)

// Options configures an Analyzer.
type Options struct {
	// Model is passed to the caller; empty uses the provider default.
	Model string

	Limits batch.Limits

	// MaxRetries is the number of model-call attempts per batch. Default: 3.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts. Default: 5s.
	RetryDelay time.Duration
	// RetryAllErrors also retries failures classified as permanent.
	RetryAllErrors bool

	// Each attempt gets max(MinTimeout, len(prompt)/TimeoutCharsPerSecond
	// seconds). Defaults: 120s and 1000.
	MinTimeout            time.Duration
	TimeoutCharsPerSecond int

	// OnFailure is optional.
	OnFailure FailureFunc
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = 120 * time.Second
	}
	if o.TimeoutCharsPerSecond <= 0 {
		o.TimeoutCharsPerSecond = 1000
	}
	return o
}

// Analyzer runs posts through the model. It is safe for concurrent use if
// its cache is.
type Analyzer struct {
	caller llm.Caller
	cache  consistency.Cache
	opts   Options
}

// New creates an Analyzer. The cache is owned by the caller and may be
// shared between analyzers.
func New(caller llm.Caller, cache consistency.Cache, opts Options) *Analyzer {
	return &Analyzer{caller: caller, cache: cache, opts: opts.withDefaults()}
}

// Analyze answers posts from the cache where possible and sends the rest to
// the model one batch at a time. Results come back cache hits first, then
// batch results in submission order. A batch that fails after all retries
// contributes no results; a post without a result was not analyzed.
//
// onBatch (optional) is called once with the cache hits as a Cached batch and
// once per successful model batch. If ctx is cancelled the run stops between
// batches and returns what it has together with ctx.Err(); the batch in
// flight is finished first.
func (a *Analyzer) Analyze(ctx context.Context, posts []model.Post, onBatch BatchFunc) ([]model.AnalysisResult, error) {
	start := time.Now()
	hits, hitPosts, misses := a.partition(ctx, posts)

	results := make([]model.AnalysisResult, 0, len(posts))
	results = append(results, hits...)
	if len(hits) > 0 {
		notify(ctx, onBatch, model.Batch{Index: -1, Posts: hitPosts, Cached: true}, hits)
	}

	batches := batch.Make(misses, a.opts.Limits)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			zap.L().Warn("analyzer: run cancelled",
				zap.Int("completed_batches", b.Index),
				zap.Int("total_batches", len(batches)),
				zap.Int("results", len(results)),
			)
			return results, err
		}

		batchResults := a.run(ctx, b)
		if batchResults == nil {
			continue
		}
		results = append(results, batchResults...)
		notify(ctx, onBatch, b, batchResults)
	}

	zap.L().Info("analyzer: run complete",
		zap.Int("posts", len(posts)),
		zap.Int("cache_hits", len(hits)),
		zap.Int("batches", len(batches)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, ctx.Err()
}

// partition splits posts into cache hits, with the querying post's id
// substituted, and misses.
func (a *Analyzer) partition(ctx context.Context, posts []model.Post) ([]model.AnalysisResult, []model.Post, []model.Post) {
	var (
		hits     []model.AnalysisResult
		hitPosts []model.Post
		misses   []model.Post
	)
	for _, p := range posts {
		if tmpl, ok := a.cache.Lookup(ctx, p.Entity, p.Content); ok {
			hits = append(hits, tmpl.WithPostID(p.ID))
			hitPosts = append(hitPosts, p)
			continue
		}
		misses = append(misses, p)
	}
	if len(hits) > 0 {
		zap.L().Info("analyzer: answered from consistency cache",
			zap.Int("hits", len(hits)),
			zap.Int("misses", len(misses)),
		)
	}
	return hits, hitPosts, misses
}

// run processes one batch and absorbs its failure.
func (a *Analyzer) run(ctx context.Context, b model.Batch) []model.AnalysisResult {
	results, err := a.ProcessBatch(ctx, b)
	if err == nil {
		return results
	}

	zap.L().Error("analyzer: batch failed, posts left unanalyzed",
		zap.Int("batch", b.Index),
		zap.Strings("post_ids", b.IDs()),
		zap.Error(err),
	)
	if a.opts.OnFailure != nil {
		a.opts.OnFailure(context.WithoutCancel(ctx), b, err)
	}
	return nil
}

// ProcessBatch sends one batch to the model with retry, parses the reply and
// updates the cache. A started batch runs to completion even if ctx is
// cancelled. It returns an error only when every attempt failed.
func (a *Analyzer) ProcessBatch(ctx context.Context, b model.Batch) ([]model.AnalysisResult, error) {
	ctx = context.WithoutCancel(ctx)

	text := prompt.Build(b)
	if len(text) > prompt.LongPromptChars {
		zap.L().Warn("analyzer: prompt is very long",
			zap.Int("batch", b.Index),
			zap.Int("chars", len(text)),
			zap.Int("posts", b.Len()),
		)
	}

	resp, err := a.call(ctx, b, text)
	if err != nil {
		return nil, err
	}

	results := a.Absorb(ctx, b, resp.Text)
	zap.L().Info("analyzer: batch complete",
		zap.Int("batch", b.Index),
		zap.Int("posts", b.Len()),
		zap.Int("results", len(results)),
		zap.String("model", resp.Model),
	)
	return results, nil
}

func (a *Analyzer) call(ctx context.Context, b model.Batch, text string) (*llm.Response, error) {
	retry := resilience.FixedDelay(a.opts.MaxRetries, a.opts.RetryDelay)
	retry.OnRetry = resilience.RetryLogger("analyzer: model call", zap.Int("batch", b.Index))
	if a.opts.RetryAllErrors {
		retry.ShouldRetry = resilience.RetryAll
	}

	timeout := a.AttemptTimeout(text)
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*llm.Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return a.caller.Complete(attemptCtx, llm.Request{Prompt: text, Model: a.opts.Model})
	})
}

// AttemptTimeout bounds a single model call for a prompt.
func (a *Analyzer) AttemptTimeout(text string) time.Duration {
	scaled := time.Duration(len(text)/a.opts.TimeoutCharsPerSecond) * time.Second
	return max(a.opts.MinTimeout, scaled)
}

// Absorb parses a model reply for b and updates the consistency cache. A
// block is paired with the batch post its id names; a block without an id
// takes the post at its position in prompt order. Blocks naming posts outside
// the batch, repeats, and surplus blocks are dropped, so every post gets at
// most one result. Results keep reply order.
func (a *Analyzer) Absorb(ctx context.Context, b model.Batch, reply string) []model.AnalysisResult {
	parsed := prompt.Parse(reply)
	if len(parsed) == 0 {
		zap.L().Warn("analyzer: no results parsed from reply",
			zap.Int("batch", b.Index),
			zap.Int("reply_chars", len(reply)),
		)
		return []model.AnalysisResult{}
	}
	if len(parsed) != b.Len() {
		zap.L().Warn("analyzer: result count differs from batch size",
			zap.Int("batch", b.Index),
			zap.Int("posts", b.Len()),
			zap.Int("results", len(parsed)),
		)
	}

	order := prompt.Order(b)
	byID := make(map[string]int, len(order))
	for i, p := range order {
		if _, dup := byID[p.ID]; !dup {
			byID[p.ID] = i
		}
	}

	// Named blocks claim their posts first so a block without an id cannot
	// take a post that a later block names.
	paired := make([]int, len(parsed))
	claimed := make([]bool, len(order))
	for i, r := range parsed {
		paired[i] = -1
		if r.PostID == "" {
			continue
		}
		pos, ok := byID[r.PostID]
		switch {
		case !ok:
			zap.L().Warn("analyzer: dropping result for post outside batch",
				zap.Int("batch", b.Index),
				zap.String("reply_id", r.PostID),
			)
		case claimed[pos]:
			zap.L().Warn("analyzer: dropping repeated result",
				zap.Int("batch", b.Index),
				zap.String("reply_id", r.PostID),
			)
		default:
			paired[i] = pos
			claimed[pos] = true
		}
	}
	for i, r := range parsed {
		if r.PostID != "" {
			continue
		}
		if i >= len(order) || claimed[i] {
			zap.L().Warn("analyzer: dropping unpaired result without id",
				zap.Int("batch", b.Index),
				zap.Int("position", i),
			)
			continue
		}
		paired[i] = i
		claimed[i] = true
	}

	results := make([]model.AnalysisResult, 0, min(len(parsed), len(order)))
	for i, r := range parsed {
		if paired[i] < 0 {
			continue
		}
		post := order[paired[i]]
		r.PostID = post.ID
		a.cache.Update(ctx, post, r)
		results = append(results, r)
	}
	return results
}

func notify(ctx context.Context, onBatch BatchFunc, b model.Batch, results []model.AnalysisResult) {
	if onBatch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("analyzer: batch callback panicked",
				zap.Int("batch", b.Index),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := onBatch(ctx, b, results); err != nil {
		zap.L().Error("analyzer: batch callback failed",
			zap.Int("batch", b.Index),
			zap.Error(err),
		)
	}
}
