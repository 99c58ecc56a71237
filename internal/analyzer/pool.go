package analyzer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// PoolDispatcher runs batches on in-process goroutines, at most
// concurrency at a time.
type PoolDispatcher struct {
	analyzer *Analyzer
	onBatch  BatchFunc
	sem      *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*job

	wg sync.WaitGroup
}

type job struct {
	done    chan struct{}
	results []model.AnalysisResult
	err     error
}

// NewPoolDispatcher creates a pool that processes batches with a and hands
// each completed batch to onBatch (optional).
func NewPoolDispatcher(a *Analyzer, concurrency int, onBatch BatchFunc) *PoolDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PoolDispatcher{
		analyzer: a,
		onBatch:  onBatch,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		jobs:     make(map[string]*job),
	}
}

// Submit queues b. A batch still waiting for a worker is abandoned when ctx
// is cancelled; once started it runs until it succeeds or exhausts its
// retries.
func (p *PoolDispatcher) Submit(ctx context.Context, b model.Batch) (Handle, error) {
	h := Handle{ID: uuid.NewString(), Batch: b}
	j := &job{done: make(chan struct{})}

	p.mu.Lock()
	p.jobs[h.ID] = j
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(j.done)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			j.err = eris.Wrap(err, "analyzer: waiting for worker")
			return
		}
		defer p.sem.Release(1)

		runCtx := context.WithoutCancel(ctx)
		j.results, j.err = p.analyzer.ProcessBatch(runCtx, b)
		if j.err != nil {
			if p.analyzer.opts.OnFailure != nil {
				p.analyzer.opts.OnFailure(runCtx, b, j.err)
			}
			return
		}
		notify(runCtx, p.onBatch, b, j.results)
	}()

	zap.L().Debug("analyzer: batch submitted to pool",
		zap.String("handle", h.ID),
		zap.Int("batch", b.Index),
		zap.Int("posts", b.Len()),
	)
	return h, nil
}

// Collect waits for the batch behind h. Each handle can be collected once.
func (p *PoolDispatcher) Collect(ctx context.Context, h Handle) ([]model.AnalysisResult, error) {
	p.mu.Lock()
	j, ok := p.jobs[h.ID]
	p.mu.Unlock()
	if !ok {
		return nil, eris.Errorf("analyzer: unknown handle %q", h.ID)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	delete(p.jobs, h.ID)
	p.mu.Unlock()

	if j.err != nil {
		return nil, eris.Wrapf(j.err, "analyzer: batch %d", h.Batch.Index)
	}
	return j.results, nil
}

// Wait blocks until every submitted batch has finished, including batches
// whose Collect was abandoned. Call it before releasing anything the batch
// callback writes to.
func (p *PoolDispatcher) Wait() {
	p.mu.Lock()
	pending := 0
	for _, j := range p.jobs {
		select {
		case <-j.done:
		default:
			pending++
		}
	}
	p.mu.Unlock()
	if pending > 0 {
		zap.L().Info("analyzer: waiting for in-flight batches", zap.Int("batches", pending))
	}
	p.wg.Wait()
}
