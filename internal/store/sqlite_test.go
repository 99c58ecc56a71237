package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func seedPosts(t *testing.T, st Store) {
	t.Helper()
	posts := []model.Post{
		{ID: "1", Content: "Завод Acme выпустил новую модель", Entity: "Acme", EntityID: "e1", PublishedAt: day},
		{ID: "2", Content: "Акции Acme упали", Entity: "Acme", EntityID: "e1", PublishedAt: day.Add(24 * time.Hour)},
		{ID: "3", Content: "Globex открыл офис", Entity: "Globex", EntityID: "e2", PublishedAt: day.Add(48 * time.Hour)},
		{ID: "4", Content: "Без даты", Entity: "Globex", EntityID: "e2"},
	}
	n, err := st.UpsertPosts(context.Background(), posts)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func postIDs(posts []model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_FindPostByID(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedPosts(t, st)
	ctx := context.Background()

	p, err := st.FindPostByID(ctx, "2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Акции Acme упали", p.Content)
	assert.Equal(t, "Acme", p.Entity)
	assert.Equal(t, "e1", p.EntityID)
	assert.True(t, day.Add(24*time.Hour).Equal(p.PublishedAt))

	undated, err := st.FindPostByID(ctx, "4")
	require.NoError(t, err)
	assert.True(t, undated.PublishedAt.IsZero())

	missing, err := st.FindPostByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_UpsertPosts_UpdatesExisting(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedPosts(t, st)
	ctx := context.Background()

	n, err := st.UpsertPosts(ctx, []model.Post{
		{ID: "1", Content: "старый", Entity: "Acme"},
		{ID: "1", Content: "исправленный", Entity: "Acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, err := st.FindPostByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "исправленный", p.Content)
}

func TestSQLite_ListPosts(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedPosts(t, st)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter model.PostFilter
		want   []string
	}{
		{"all", model.PostFilter{}, []string{"4", "1", "2", "3"}},
		{"ids", model.PostFilter{IDs: []string{"3", "1", "missing"}}, []string{"1", "3"}},
		{"from", model.PostFilter{From: day.Add(time.Hour)}, []string{"2", "3"}},
		{"range", model.PostFilter{From: day, To: day.Add(24 * time.Hour)}, []string{"1", "2"}},
		{"search content", model.PostFilter{Search: "офис"}, []string{"3"}},
		{"search entity", model.PostFilter{Search: "Acme"}, []string{"1", "2"}},
		{"entity id", model.PostFilter{EntityID: "e2"}, []string{"4", "3"}},
		{"limit", model.PostFilter{Limit: 2}, []string{"4", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts, err := st.ListPosts(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, postIDs(posts))
		})
	}
}

func TestSQLite_ListPosts_ByTonality(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedPosts(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertAnalysis(ctx, model.Analysis{PostID: "2", Tonality: model.TonalityNegative, AnalyzedAt: day}))
	require.NoError(t, st.UpsertAnalysis(ctx, model.Analysis{PostID: "3", Tonality: model.TonalityPositive, AnalyzedAt: day}))

	posts, err := st.ListPosts(ctx, model.PostFilter{Tonality: model.TonalityNegative})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, postIDs(posts))
}

func TestSQLite_Analysis_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := model.Analysis{
		PostID:      "10",
		Title:       "Новый завод",
		Description: "Компания открыла завод.",
		Tonality:    model.TonalityPositive,
		ModelUsed:   "deepseek/deepseek-chat-v3-0324:free",
		AnalyzedAt:  day,
	}
	require.NoError(t, st.UpsertAnalysis(ctx, a))

	got, err := st.GetAnalysis(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Title, got.Title)
	assert.Equal(t, a.Description, got.Description)
	assert.Equal(t, model.TonalityPositive, got.Tonality)
	assert.Equal(t, a.ModelUsed, got.ModelUsed)
	assert.True(t, day.Equal(got.AnalyzedAt))

	a.Tonality = model.TonalityNeutral
	a.AnalyzedAt = day.Add(time.Hour)
	require.NoError(t, st.UpsertAnalysis(ctx, a))

	got, err = st.GetAnalysis(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, model.TonalityNeutral, got.Tonality)

	missing, err := st.GetAnalysis(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_UpsertAnalyses_IsolatesFailures(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertAnalyses(ctx, []model.Analysis{
		{PostID: "1", Tonality: model.TonalityNeutral, AnalyzedAt: day},
		{PostID: "", Tonality: model.TonalityNeutral, AnalyzedAt: day},
		{PostID: "3", Tonality: model.TonalityNeutral, AnalyzedAt: day},
	})

	require.Error(t, err)
	assert.Equal(t, 2, n)
	for _, id := range []string{"1", "3"} {
		got, err := st.GetAnalysis(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got, id)
	}
}

func TestSQLite_ListAnalyses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, ton := range []model.Tonality{model.TonalityPositive, model.TonalityNegative, model.TonalityPositive} {
		require.NoError(t, st.UpsertAnalysis(ctx, model.Analysis{
			PostID:     fmt.Sprintf("%d", i),
			Tonality:   ton,
			ModelUsed:  "m",
			AnalyzedAt: day.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := st.ListAnalyses(ctx, AnalysisFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].PostID, "newest first")

	positive, err := st.ListAnalyses(ctx, AnalysisFilter{Tonality: model.TonalityPositive})
	require.NoError(t, err)
	assert.Len(t, positive, 2)

	byID, err := st.ListAnalyses(ctx, AnalysisFilter{PostIDs: []string{"1"}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, model.TonalityNegative, byID[0].Tonality)

	paged, err := st.ListAnalyses(ctx, AnalysisFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "1", paged[0].PostID)
}

func TestUpsertEach_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	n, err := upsertEach(ctx, []model.Analysis{{PostID: "1"}, {PostID: "2"}}, func(context.Context, model.Analysis) error {
		calls++
		cancel()
		return nil
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpsertEach_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	n, err := upsertEach(context.Background(), []model.Analysis{{PostID: "1"}, {PostID: "2"}}, func(context.Context, model.Analysis) error {
		return boom
	})

	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "post 1")
	assert.Contains(t, err.Error(), "post 2")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	st, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
