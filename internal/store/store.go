// Package store persists posts, their analyses and the dead letter queue of
// batches that could not be analyzed.
package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultListLimit = 1000

// AnalysisFilter specifies criteria for listing stored analyses.
type AnalysisFilter struct {
	PostIDs  []string       `json:"post_ids,omitempty"`
	Tonality model.Tonality `json:"tonality,omitempty"`
	Model    string         `json:"model,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analyzer. Writes are
// idempotent upserts keyed by post id.
type Store interface {
	// Posts
	FindPostByID(ctx context.Context, id string) (*model.Post, error)
	UpsertPosts(ctx context.Context, posts []model.Post) (int64, error)
	ListPosts(ctx context.Context, filter model.PostFilter) ([]model.Post, error)

	// Analyses
	UpsertAnalysis(ctx context.Context, a model.Analysis) error
	UpsertAnalyses(ctx context.Context, as []model.Analysis) (int, error)
	GetAnalysis(ctx context.Context, postID string) (*model.Analysis, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// upsertEach writes records one at a time so a bad record does not stop the
// rest. It returns the number written and every failure joined.
func upsertEach(ctx context.Context, as []model.Analysis, write func(context.Context, model.Analysis) error) (int, error) {
	var (
		written int
		errs    []error
	)
	for _, a := range as {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := write(ctx, a); err != nil {
			zap.L().Error("store: analysis write failed",
				zap.String("post_id", a.PostID),
				zap.Error(err),
			)
			errs = append(errs, eris.Wrapf(err, "post %s", a.PostID))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// dedupePosts keeps the last occurrence of each post id, preserving the
// order of first appearance.
func dedupePosts(posts []model.Post) []model.Post {
	index := make(map[string]int, len(posts))
	out := make([]model.Post, 0, len(posts))
	for _, p := range posts {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// Open connects to the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
