package consistency

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// DefaultMaxEntries bounds a MemoryCache when no size is configured.
const DefaultMaxEntries = 10000

// MemoryCache is an in-process LRU cache. Entries do not survive restarts.
type MemoryCache struct {
	entries *lru.Cache[string, model.AnalysisResult]
}

// NewMemoryCache creates a cache holding at most maxEntries templates.
// Non-positive sizes use DefaultMaxEntries.
func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, model.AnalysisResult](maxEntries)
	if err != nil {
		return nil, eris.Wrap(err, "consistency: create lru")
	}
	return &MemoryCache{entries: entries}, nil
}

// Lookup implements Cache.
func (c *MemoryCache) Lookup(_ context.Context, entity, content string) (model.AnalysisResult, bool) {
	return c.entries.Get(Key(entity, content))
}

// Update implements Cache.
func (c *MemoryCache) Update(_ context.Context, post model.Post, result model.AnalysisResult) {
	c.entries.Add(Key(post.Entity, post.Content), result.Template())
}

// Len returns the number of cached templates.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}
