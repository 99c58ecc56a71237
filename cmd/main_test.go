package main

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/config"
	"github.com/sells-group/lmm-analyzer/internal/llm"
	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/prompt"
	"github.com/sells-group/lmm-analyzer/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// useTestConfig points the global config at a fresh SQLite database.
func useTestConfig(t *testing.T) {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = store.DriverSQLite
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "test.db")
	c.LLM.Provider = "openrouter"
	c.LLM.Model = "test-model"
	c.LLM.APIKey = "sk-test"
	c.Analysis.Mode = config.ModeSync
	c.Analysis.MaxTokensPerBatch = 1000
	c.Analysis.MaxPostsPerBatch = 20
	c.Analysis.MinFillRatio = 0.2
	c.Analysis.MinPostsPerBatch = 5
	c.Analysis.MaxRetries = 2
	c.Analysis.Concurrency = 2
	c.Analysis.DLQMaxRetries = 3
	c.Cache.Driver = "memory"
	c.Cache.MaxEntries = 100

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := initStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func seedPosts(t *testing.T, st store.Store, n int) []model.Post {
	t.Helper()
	posts := make([]model.Post, n)
	for i := range posts {
		posts[i] = model.Post{
			ID:      fmt.Sprintf("%d", 100+i),
			Content: fmt.Sprintf("Новость номер %d о компании", i),
			Entity:  "Acme",
		}
	}
	_, err := st.UpsertPosts(context.Background(), posts)
	require.NoError(t, err)
	return posts
}

var promptIDRe = regexp.MustCompile(`(?m)^post_id: (.+)$`)

// fakeCaller answers every post in the prompt, or fails when fail says so.
type fakeCaller struct {
	fail func(prompt string) error
}

func (f fakeCaller) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if f.fail != nil {
		if err := f.fail(req.Prompt); err != nil {
			return nil, err
		}
	}
	var sb strings.Builder
	for _, m := range promptIDRe.FindAllStringSubmatch(req.Prompt, -1) {
		fmt.Fprintf(&sb, "%s %s\n%s: позитивная\n%s: Описание %s.\n%s: Заголовок %s\n\n",
			prompt.BlockMarker, m[1],
			prompt.TonalityLabel,
			prompt.DescriptionLabel, m[1],
			prompt.TitleLabel, m[1])
	}
	return &llm.Response{Text: sb.String(), Model: "test-model"}, nil
}
