// Package batch partitions posts into model requests bounded by an
// approximate token budget and a post count.
package batch

import (
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

const (
	// MinPostTokens is the floor applied to every post's estimated cost so
	// short posts still reserve room for the per-post response block.
	MinPostTokens = 50

	// charsPerToken is the coarse chars-to-tokens ratio used for estimates.
	charsPerToken = 4

	DefaultMaxPosts     = 20
	DefaultMinFillRatio = 0.2
	DefaultMinPosts     = 5
)

// Limits bounds the batches produced by Make.
type Limits struct {
	// MaxTokens is the estimated token ceiling per batch. Required.
	MaxTokens int

	// MaxPosts caps the number of posts per batch. Default: 20.
	MaxPosts int

	// MinFillRatio and MinPosts close a batch early once it holds at least
	// MaxTokens*MinFillRatio tokens and MinPosts posts. Defaults: 0.2 and 5.
	MinFillRatio float64
	MinPosts     int
}

// DefaultLimits returns the standard limits for the given token budget.
func DefaultLimits(maxTokens int) Limits {
	return Limits{
		MaxTokens:    maxTokens,
		MaxPosts:     DefaultMaxPosts,
		MinFillRatio: DefaultMinFillRatio,
		MinPosts:     DefaultMinPosts,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPosts <= 0 {
		l.MaxPosts = DefaultMaxPosts
	}
	if l.MinFillRatio <= 0 {
		l.MinFillRatio = DefaultMinFillRatio
	}
	if l.MinPosts <= 0 {
		l.MinPosts = DefaultMinPosts
	}
	return l
}

// MinFillTokens is the token level at which a batch may be closed early.
func (l Limits) MinFillTokens() int {
	return int(float64(l.MaxTokens) * l.withDefaults().MinFillRatio)
}

// EstimateTokens approximates the prompt cost of a post at four characters
// per token, never less than MinPostTokens.
func EstimateTokens(p model.Post) int {
	n := (utf8.RuneCountInString(p.Content) + utf8.RuneCountInString(p.Entity)) / charsPerToken
	return max(MinPostTokens, n)
}

// Make splits posts into batches in a single greedy pass, preserving input
// order. A post whose own cost exceeds MaxTokens is never split or dropped;
// it is emitted as a batch of one.
func Make(posts []model.Post, limits Limits) []model.Batch {
	limits = limits.withDefaults()
	minFill := limits.MinFillTokens()

	var (
		batches []model.Batch
		current []model.Post
		tokens  int
	)

	emit := func() {
		batches = append(batches, model.Batch{Index: len(batches), Posts: current})
		current = nil
		tokens = 0
	}

	for _, p := range posts {
		cost := EstimateTokens(p)

		fits := tokens+cost <= limits.MaxTokens && len(current) < limits.MaxPosts
		if len(current) > 0 && !fits {
			emit()
		}
		current = append(current, p)
		tokens += cost

		if cost > limits.MaxTokens {
			zap.L().Warn("batch: post exceeds token budget, sending alone",
				zap.String("post_id", p.ID),
				zap.Int("estimated_tokens", cost),
				zap.Int("max_tokens", limits.MaxTokens),
			)
			emit()
			continue
		}

		if tokens >= minFill && len(current) >= limits.MinPosts {
			emit()
		}
	}

	if len(current) > 0 {
		emit()
	}

	logSizes(batches)
	return batches
}

func logSizes(batches []model.Batch) {
	if len(batches) == 0 {
		zap.L().Info("batch: no posts to batch")
		return
	}

	minSize, maxSize, total := batches[0].Len(), 0, 0
	for _, b := range batches {
		n := b.Len()
		total += n
		minSize = min(minSize, n)
		maxSize = max(maxSize, n)
	}

	zap.L().Info("batch: created batches",
		zap.Int("batches", len(batches)),
		zap.Int("posts", total),
		zap.Int("min_size", minSize),
		zap.Int("max_size", maxSize),
		zap.Float64("avg_size", float64(total)/float64(len(batches))),
	)
}
