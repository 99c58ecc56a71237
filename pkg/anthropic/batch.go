package anthropic

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Batch processing states reported by the API.
const (
	StatusInProgress = "in_progress"
	StatusCanceling  = "canceling"
	StatusEnded      = "ended"
)

// Batch result item types.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
	ResultCanceled  = "canceled"
	ResultExpired   = "expired"
)

const (
	defaultPollInitial = 5 * time.Second
	defaultPollCap     = 60 * time.Second
	defaultPollTimeout = 24 * time.Hour
)

// PollOption configures batch polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initial = d }
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) { c.cap = d }
}

// WithPollTimeout bounds polling when ctx has no deadline. Message batches
// may take up to a day to finish.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// PollBatch polls GetBatch until the batch has ended or ctx expires. The
// interval doubles after every poll up to the cap, with ±20% jitter.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := pollConfig{initial: defaultPollInitial, cap: defaultPollCap, timeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for polls := 1; ; polls++ {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrap(err, fmt.Sprintf("anthropic: poll batch %s", batchID))
		}
		if batch.ProcessingStatus == StatusEnded {
			zap.L().Debug("anthropic: batch ended",
				zap.String("batch_id", batchID),
				zap.Int("polls", polls),
				zap.Int64("succeeded", batch.RequestCounts.Succeeded),
				zap.Int64("errored", batch.RequestCounts.Errored),
			)
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), fmt.Sprintf("anthropic: poll batch %s", batchID))
		case <-time.After(interval):
		}

		interval = min(interval*2, cfg.cap)
		if j := int64(interval) / 5; j > 0 {
			interval += time.Duration(rand.Int63n(2*j) - j) //nolint:gosec // jitter
		}
	}
}

// BatchFailure records a batch item that did not succeed.
type BatchFailure struct {
	CustomID string
	Type     string
}

// BatchResults holds the drained results of a batch.
type BatchResults struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// CollectBatchResults drains iter, keying succeeded messages by custom id.
// The iterator is always closed.
func CollectBatchResults(iter BatchResultIterator) (*BatchResults, error) {
	defer iter.Close() //nolint:errcheck

	out := &BatchResults{Succeeded: make(map[string]*MessageResponse)}
	for iter.Next() {
		item := iter.Item()
		if item.Type == ResultSucceeded && item.Message != nil {
			out.Succeeded[item.CustomID] = item.Message
			continue
		}
		out.Failures = append(out.Failures, BatchFailure{CustomID: item.CustomID, Type: item.Type})
		zap.L().Warn("anthropic: batch item failed",
			zap.String("custom_id", item.CustomID),
			zap.String("type", item.Type),
		)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}
	return out, nil
}
