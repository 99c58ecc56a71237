package main

import (
	"context"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/analyzer"
	"github.com/sells-group/lmm-analyzer/internal/batch"
	"github.com/sells-group/lmm-analyzer/internal/config"
	"github.com/sells-group/lmm-analyzer/internal/consistency"
	"github.com/sells-group/lmm-analyzer/internal/llm"
	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
	"github.com/sells-group/lmm-analyzer/internal/store"
	"github.com/sells-group/lmm-analyzer/pkg/anthropic"
)

var analyzeFlags struct {
	ids         []string
	from        string
	to          string
	search      string
	entityID    string
	tonality    string
	limit       int
	mode        string
	retryFailed bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze stored posts with the configured model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if analyzeFlags.mode != "" {
			cfg.Analysis.Mode = analyzeFlags.mode
		}
		if err := cfg.Validate(config.CommandAnalyze); err != nil {
			return err
		}

		filter, err := postFilterFromFlags()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var (
			posts   []model.Post
			retries []resilience.DLQEntry
		)
		if analyzeFlags.retryFailed {
			posts, retries, err = postsFromDLQ(ctx, st)
		} else {
			posts, err = st.ListPosts(ctx, filter)
		}
		if err != nil {
			return eris.Wrap(err, "analyze: select posts")
		}
		if len(posts) == 0 {
			zap.L().Info("no posts to analyze")
			return nil
		}

		cache, closeCache, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer closeCache()

		caller, err := llm.New(llm.Options{
			Provider:          cfg.LLM.Provider,
			APIKey:            cfg.LLM.APIKey,
			Model:             cfg.LLM.Model,
			BaseURL:           cfg.LLM.BaseURL,
			SiteURL:           cfg.LLM.SiteURL,
			SiteName:          cfg.LLM.SiteName,
			MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
			RequestsPerMinute: cfg.LLM.RequestsPerMinute,
			BreakerThreshold:  cfg.LLM.BreakerThreshold,
			BreakerReset:      time.Duration(cfg.LLM.BreakerResetSecs) * time.Second,
		})
		if err != nil {
			return eris.Wrap(err, "analyze: init model caller")
		}

		sink := newResultSink(st, cfg.LLM.Model, cfg.Analysis.DLQMaxRetries, len(retries) == 0)
		a := analyzer.New(caller, cache, analyzerOptions(cfg.Analysis, cfg.LLM.Model, sink.onFailure))

		results, runErr := runAnalysis(ctx, a, cfg.Analysis, posts, sink)
		if len(retries) > 0 {
			sink.settle(context.WithoutCancel(ctx), retries)
		}

		zap.L().Info("analysis finished",
			zap.String("mode", cfg.Analysis.Mode),
			zap.Int("posts", len(posts)),
			zap.Int("results", len(results)),
			zap.Int("saved", sink.saved()),
			zap.Int("failed_batches", sink.failed()),
		)
		return runErr
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringSliceVar(&analyzeFlags.ids, "ids", nil, "analyze only these post ids")
	f.StringVar(&analyzeFlags.from, "from", "", "published on or after (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&analyzeFlags.to, "to", "", "published on or before (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&analyzeFlags.search, "search", "", "substring of content or object")
	f.StringVar(&analyzeFlags.entityID, "entity-id", "", "object id")
	f.StringVar(&analyzeFlags.tonality, "tonality", "", "only posts whose stored analysis has this tonality")
	f.IntVar(&analyzeFlags.limit, "limit", 0, "max number of posts (0 = store default)")
	f.StringVar(&analyzeFlags.mode, "mode", "", "sync, pool or message-batch (default from config)")
	f.BoolVar(&analyzeFlags.retryFailed, "retry-failed", false, "re-run posts from the dead letter queue instead of the filter")
	rootCmd.AddCommand(analyzeCmd)
}

// postFilterFromFlags converts the selection flags into a store filter. A
// date-only --to covers the whole day.
func postFilterFromFlags() (model.PostFilter, error) {
	filter := model.PostFilter{
		IDs:      analyzeFlags.ids,
		Search:   analyzeFlags.search,
		EntityID: analyzeFlags.entityID,
		Limit:    analyzeFlags.limit,
	}
	if analyzeFlags.from != "" {
		t, _, err := parseDate(analyzeFlags.from)
		if err != nil {
			return filter, eris.Wrap(err, "analyze: --from")
		}
		filter.From = t
	}
	if analyzeFlags.to != "" {
		t, dateOnly, err := parseDate(analyzeFlags.to)
		if err != nil {
			return filter, eris.Wrap(err, "analyze: --to")
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		filter.To = t
	}
	if analyzeFlags.tonality != "" {
		t := model.Tonality(strings.ToLower(analyzeFlags.tonality))
		if !t.Valid() {
			return filter, eris.Errorf("analyze: unknown tonality %q", analyzeFlags.tonality)
		}
		filter.Tonality = t
	}
	return filter, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, eris.Errorf("invalid date %q", s)
	}
	return t.UTC(), false, nil
}

func analyzerOptions(ac config.AnalysisConfig, modelName string, onFailure analyzer.FailureFunc) analyzer.Options {
	return analyzer.Options{
		Model: modelName,
		Limits: batch.Limits{
			MaxTokens:    ac.MaxTokensPerBatch,
			MaxPosts:     ac.MaxPostsPerBatch,
			MinFillRatio: ac.MinFillRatio,
			MinPosts:     ac.MinPostsPerBatch,
		},
		MaxRetries:            ac.MaxRetries,
		RetryDelay:            time.Duration(ac.RetryDelaySecs) * time.Second,
		RetryAllErrors:        ac.RetryAllErrors,
		MinTimeout:            time.Duration(ac.MinTimeoutSecs) * time.Second,
		TimeoutCharsPerSecond: ac.TimeoutCharsPerSec,
		OnFailure:             onFailure,
	}
}

// initCache builds the configured consistency cache and its cleanup.
func initCache(ctx context.Context) (consistency.Cache, func(), error) {
	switch cfg.Cache.Driver {
	case "valkey":
		c, err := consistency.NewValkeyCache(ctx, consistency.ValkeyOptions{
			Address:  cfg.Cache.ValkeyAddress,
			Password: cfg.Cache.ValkeyPassword,
			TLS:      cfg.Cache.ValkeyTLS,
			Prefix:   cfg.Cache.KeyPrefix,
			TTL:      time.Duration(cfg.Cache.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, nil, eris.Wrap(err, "analyze: init cache")
		}
		return c, c.Close, nil
	default:
		c, err := consistency.NewMemoryCache(cfg.Cache.MaxEntries)
		if err != nil {
			return nil, nil, eris.Wrap(err, "analyze: init cache")
		}
		return c, func() {}, nil
	}
}

// runAnalysis runs posts through a in the configured mode.
func runAnalysis(ctx context.Context, a *analyzer.Analyzer, ac config.AnalysisConfig, posts []model.Post, sink *resultSink) ([]model.AnalysisResult, error) {
	var d analyzer.Dispatcher
	switch ac.Mode {
	case config.ModeSync, "":
		return a.Analyze(ctx, posts, sink.onBatch)
	case config.ModePool:
		pool := analyzer.NewPoolDispatcher(a, ac.Concurrency, sink.onBatch)
		defer pool.Wait()
		d = pool
	case config.ModeMessageBatch:
		var opts []anthropic.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
		}
		d = analyzer.NewMessageBatchDispatcher(a,
			anthropic.NewClient(cfg.LLM.APIKey, opts...),
			cfg.LLM.Model,
			cfg.LLM.MaxOutputTokens,
			sink.onBatch,
			anthropic.WithPollInterval(time.Duration(ac.PollIntervalSecs)*time.Second),
			anthropic.WithPollTimeout(time.Duration(ac.PollTimeoutHours)*time.Hour),
		)
	default:
		return nil, eris.Errorf("analyze: unknown mode %q", ac.Mode)
	}
	return dispatchAndCollect(ctx, a, d, posts, ac.Concurrency, sink)
}

// dispatchAndCollect submits every batch to d, saves the cache hits and
// then waits for the submitted batches. Results are returned hits first.
func dispatchAndCollect(ctx context.Context, a *analyzer.Analyzer, d analyzer.Dispatcher, posts []model.Post, concurrency int, sink *resultSink) ([]model.AnalysisResult, error) {
	hits, handles, err := a.Dispatch(ctx, posts, d)
	if len(hits) > 0 {
		if serr := sink.onBatch(ctx, model.Batch{Index: -1, Cached: true}, hits); serr != nil {
			zap.L().Error("save cached results failed", zap.Error(serr))
		}
	}
	if err != nil {
		return hits, err
	}

	collected, err := analyzer.CollectAll(ctx, d, handles, concurrency)
	return append(hits, collected...), err
}

// postsFromDLQ loads the posts of every retryable dead letter entry.
func postsFromDLQ(ctx context.Context, st store.Store) ([]model.Post, []resilience.DLQEntry, error) {
	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTypeTransient})
	if err != nil {
		return nil, nil, err
	}

	var ids []string
	seen := make(map[string]bool)
	retryable := entries[:0]
	for _, e := range entries {
		if !e.CanRetry() {
			continue
		}
		retryable = append(retryable, e)
		for _, id := range e.PostIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	posts, err := st.ListPosts(ctx, model.PostFilter{IDs: ids, Limit: len(ids)})
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("retrying failed batches",
		zap.Int("entries", len(retryable)),
		zap.Int("posts", len(posts)),
	)
	return posts, retryable, nil
}

// resultSink persists batch results as they arrive and records failed
// batches in the dead letter queue.
type resultSink struct {
	st         store.Store
	model      string
	maxRetries int
	enqueue    bool

	mu       sync.Mutex
	done     map[string]bool
	lastErr  map[string]string
	nSaved   int
	nFailed  int
	clockNow func() time.Time
}

// newResultSink creates a sink. With enqueue unset, failed batches are only
// remembered for settle instead of being queued again.
func newResultSink(st store.Store, modelName string, maxRetries int, enqueue bool) *resultSink {
	return &resultSink{
		st:         st,
		model:      modelName,
		maxRetries: maxRetries,
		enqueue:    enqueue,
		done:       make(map[string]bool),
		lastErr:    make(map[string]string),
		clockNow:   time.Now,
	}
}

func (s *resultSink) onBatch(ctx context.Context, b model.Batch, results []model.AnalysisResult) error {
	now := s.clockNow()
	analyses := make([]model.Analysis, 0, len(results))
	for _, r := range results {
		if r.PostID == "" {
			continue
		}
		analyses = append(analyses, model.NewAnalysis(r, s.model, now))
	}

	n, err := s.st.UpsertAnalyses(context.WithoutCancel(ctx), analyses)

	s.mu.Lock()
	s.nSaved += n
	for _, a := range analyses {
		s.done[a.PostID] = true
	}
	s.mu.Unlock()

	if err != nil {
		return eris.Wrapf(err, "save batch %d", b.Index)
	}
	zap.L().Debug("saved batch",
		zap.Int("batch", b.Index),
		zap.Bool("cached", b.Cached),
		zap.Int("analyses", n),
	)
	return nil
}

func (s *resultSink) onFailure(ctx context.Context, b model.Batch, err error) {
	s.mu.Lock()
	s.nFailed++
	for _, id := range b.IDs() {
		s.lastErr[id] = err.Error()
	}
	s.mu.Unlock()

	if !s.enqueue {
		return
	}

	now := s.clockNow()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		PostIDs:      b.IDs(),
		Error:        err.Error(),
		ErrorType:    resilience.ClassifyError(err),
		MaxRetries:   s.maxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if qerr := s.st.EnqueueDLQ(context.WithoutCancel(ctx), entry); qerr != nil {
		zap.L().Error("enqueue failed batch", zap.Int("batch", b.Index), zap.Error(qerr))
	}
}

// settle removes dead letter entries whose posts were all analyzed and
// counts another failed attempt against the rest.
func (s *resultSink) settle(ctx context.Context, entries []resilience.DLQEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		lastErr := ""
		for _, id := range e.PostIDs {
			if !s.done[id] {
				lastErr = s.lastErr[id]
				if lastErr == "" {
					lastErr = "post not analyzed"
				}
				break
			}
		}

		var err error
		if lastErr == "" {
			err = s.st.RemoveDLQ(ctx, e.ID)
		} else {
			err = s.st.IncrementDLQRetry(ctx, e.ID, lastErr)
		}
		if err != nil {
			zap.L().Error("settle dead letter entry", zap.String("id", e.ID), zap.Error(err))
		}
	}
}

func (s *resultSink) saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nSaved
}

func (s *resultSink) failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nFailed
}
