package analyzer

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lmm-analyzer/internal/batch"
	"github.com/sells-group/lmm-analyzer/internal/model"
)

// Handle identifies a submitted batch.
type Handle struct {
	ID    string
	Batch model.Batch
}

// Dispatcher runs batches as independent units of work. Submit hands a
// batch off and returns at once; Collect waits for its results. A worker
// updates the cache and delivers its batch to the dispatcher's callback
// before Collect returns.
type Dispatcher interface {
	Submit(ctx context.Context, b model.Batch) (Handle, error)
	Collect(ctx context.Context, h Handle) ([]model.AnalysisResult, error)
}

// Dispatch answers what it can from the cache and submits the remaining
// posts to d in batches. Batches that fail to submit are reported through
// OnFailure and skipped. It returns the cache-hit results and one handle per
// submitted batch.
func (a *Analyzer) Dispatch(ctx context.Context, posts []model.Post, d Dispatcher) ([]model.AnalysisResult, []Handle, error) {
	hits, _, misses := a.partition(ctx, posts)

	batches := batch.Make(misses, a.opts.Limits)
	handles := make([]Handle, 0, len(batches))
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return hits, handles, err
		}
		h, err := d.Submit(ctx, b)
		if err != nil {
			zap.L().Error("analyzer: submit batch failed",
				zap.Int("batch", b.Index),
				zap.Strings("post_ids", b.IDs()),
				zap.Error(err),
			)
			if a.opts.OnFailure != nil && ctx.Err() == nil {
				a.opts.OnFailure(ctx, b, err)
			}
			continue
		}
		handles = append(handles, h)
	}

	zap.L().Info("analyzer: dispatched batches",
		zap.Int("posts", len(posts)),
		zap.Int("cache_hits", len(hits)),
		zap.Int("submitted", len(handles)),
		zap.Int("batches", len(batches)),
	)
	return hits, handles, nil
}

// CollectAll waits for every handle, collecting up to concurrency at once.
// A handle that fails contributes no results. Results are grouped per batch
// in handle order.
func CollectAll(ctx context.Context, d Dispatcher, handles []Handle, concurrency int) ([]model.AnalysisResult, error) {
	if concurrency <= 0 {
		concurrency = len(handles)
	}

	perHandle := make([][]model.AnalysisResult, len(handles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			results, err := d.Collect(gctx, h)
			if err != nil {
				zap.L().Warn("analyzer: collect failed",
					zap.String("handle", h.ID),
					zap.Int("batch", h.Batch.Index),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			perHandle[i] = results
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []model.AnalysisResult
	for _, rs := range perHandle {
		out = append(out, rs...)
	}
	return out, ctx.Err()
}
