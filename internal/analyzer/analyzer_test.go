package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lmm-analyzer/internal/batch"
	"github.com/sells-group/lmm-analyzer/internal/consistency"
	"github.com/sells-group/lmm-analyzer/internal/llm"
	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/prompt"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

var errUpstream = resilience.NewTransientError(errors.New("503 service unavailable"), 503)

func newCache(t *testing.T) *consistency.MemoryCache {
	t.Helper()
	c, err := consistency.NewMemoryCache(100)
	require.NoError(t, err)
	return c
}

func testOptions() Options {
	return Options{
		Limits: batch.Limits{
			MaxTokens:    1000,
			MaxPosts:     20,
			MinFillRatio: 0.2,
			MinPosts:     5,
		},
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func makePosts(n int) []model.Post {
	out := make([]model.Post, n)
	for i := range out {
		out[i] = model.Post{
			ID:      fmt.Sprintf("%d", 100+i),
			Content: fmt.Sprintf("Публикация номер %d о компании", i),
			Entity:  "Acme",
		}
	}
	return out
}

func ids(results []model.AnalysisResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.PostID
	}
	return out
}

func TestAnalyze_EndToEndTrace(t *testing.T) {
	caller := &echoCaller{}
	a := New(caller, newCache(t), testOptions())

	var sizes []int
	results, err := a.Analyze(context.Background(), makePosts(23), func(_ context.Context, b model.Batch, rs []model.AnalysisResult) error {
		sizes = append(sizes, b.Len())
		assert.Len(t, rs, b.Len())
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{5, 5, 5, 5, 3}, sizes)
	assert.Equal(t, 5, caller.Calls())
	require.Len(t, results, 23)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("%d", 100+i), r.PostID)
		assert.Equal(t, "нейтральная", r.Tonality)
		assert.Equal(t, "Заголовок "+r.PostID, r.Title)
	}
}

func TestAnalyze_RetryBound(t *testing.T) {
	caller := &echoCaller{failures: 1000, err: errUpstream}
	var failed []int
	opts := testOptions()
	opts.OnFailure = func(_ context.Context, b model.Batch, err error) {
		failed = append(failed, b.Index)
		assert.ErrorIs(t, err, errUpstream)
	}
	a := New(caller, newCache(t), opts)

	called := false
	results, err := a.Analyze(context.Background(), makePosts(3), func(context.Context, model.Batch, []model.AnalysisResult) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 3, caller.Calls())
	assert.Equal(t, []int{0}, failed)
	assert.False(t, called)
}

func TestAnalyze_RecoversWithinRetryBudget(t *testing.T) {
	caller := &echoCaller{failures: 2, err: errUpstream}
	a := New(caller, newCache(t), testOptions())

	results, err := a.Analyze(context.Background(), makePosts(3), nil)

	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, caller.Calls())
}

func TestAnalyze_AuthErrorNotRetried(t *testing.T) {
	authErr := resilience.Permanent(&llm.Error{Kind: llm.ErrAuth, StatusCode: 401, Err: errors.New("bad key")})

	t.Run("default", func(t *testing.T) {
		caller := &echoCaller{failures: 1000, err: authErr}
		a := New(caller, newCache(t), testOptions())

		results, err := a.Analyze(context.Background(), makePosts(2), nil)
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Equal(t, 1, caller.Calls())
	})

	t.Run("retry all errors", func(t *testing.T) {
		caller := &echoCaller{failures: 1000, err: authErr}
		opts := testOptions()
		opts.RetryAllErrors = true
		a := New(caller, newCache(t), opts)

		_, err := a.Analyze(context.Background(), makePosts(2), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, caller.Calls())
	})
}

func TestAnalyze_MalformedReplyYieldsNoResults(t *testing.T) {
	caller := &echoCaller{override: func(string) string {
		return "Извините, я не могу выполнить этот запрос, потому что он слишком длинный."
	}}
	a := New(caller, newCache(t), testOptions())

	calledWith := -1
	results, err := a.Analyze(context.Background(), makePosts(4), func(_ context.Context, _ model.Batch, rs []model.AnalysisResult) error {
		calledWith = len(rs)
		return nil
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, caller.Calls())
	assert.Equal(t, 0, calledWith)
}

func TestAnalyze_CacheIdempotence(t *testing.T) {
	caller := &echoCaller{}
	cache := newCache(t)
	a := New(caller, cache, testOptions())

	first := model.Post{ID: "1", Entity: "Acme", Content: "Компания Acme открыла новый завод"}
	_, err := a.Analyze(context.Background(), []model.Post{first}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, caller.Calls())

	second := model.Post{ID: "2", Entity: "Acme", Content: "КОМПАНИЯ ACME открыла новый завод"}
	var cached []bool
	results, err := a.Analyze(context.Background(), []model.Post{second}, func(_ context.Context, b model.Batch, _ []model.AnalysisResult) error {
		cached = append(cached, b.Cached)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, caller.Calls(), "second post must not reach the model")
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].PostID)
	assert.Equal(t, "Заголовок 1", results[0].Title)
	assert.Equal(t, []bool{true}, cached)
}

func TestAnalyze_CacheHitsFirst(t *testing.T) {
	caller := &echoCaller{}
	cache := newCache(t)
	cached := model.Post{ID: "c", Entity: "Acme", Content: "Уже проанализированный текст"}
	cache.Update(context.Background(), cached, model.AnalysisResult{PostID: "old", Tonality: "позитивная", Title: "T"})

	a := New(caller, cache, testOptions())
	posts := append(makePosts(2), cached)

	results, err := a.Analyze(context.Background(), posts, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"c", "100", "101"}, ids(results))
	assert.Equal(t, "позитивная", results[0].Tonality)
	assert.NotContains(t, caller.prompts[0], "Уже проанализированный")
}

func TestAnalyze_DuplicatesInSameRunBothSent(t *testing.T) {
	caller := &echoCaller{}
	a := New(caller, newCache(t), testOptions())
	posts := []model.Post{
		{ID: "1", Entity: "Acme", Content: "одинаковый текст"},
		{ID: "2", Entity: "Acme", Content: "одинаковый текст"},
	}

	results, err := a.Analyze(context.Background(), posts, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(results))
	assert.Equal(t, 1, caller.Calls())
}

func TestAnalyze_CallbackErrorAndPanicIsolated(t *testing.T) {
	caller := &echoCaller{}
	a := New(caller, newCache(t), testOptions())

	calls := 0
	results, err := a.Analyze(context.Background(), makePosts(15), func(_ context.Context, b model.Batch, _ []model.AnalysisResult) error {
		calls++
		switch b.Index {
		case 0:
			return errors.New("database is down")
		case 1:
			panic("boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, results, 15)
}

func TestAnalyze_CancelledBetweenBatches(t *testing.T) {
	caller := &echoCaller{}
	a := New(caller, newCache(t), testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := a.Analyze(ctx, makePosts(23), func(_ context.Context, b model.Batch, _ []model.AnalysisResult) error {
		if b.Index == 1 {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 10)
	assert.Equal(t, 2, caller.Calls())
}

func TestAnalyze_InFlightBatchFinishesAfterCancel(t *testing.T) {
	echo := &echoCaller{}
	var attempts atomic.Int32
	slow := callerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		attempts.Add(1)
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return echo.Complete(ctx, req)
	})
	a := New(slow, newCache(t), testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	results, err := a.Analyze(ctx, makePosts(10), nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, []string{"100", "101", "102", "103", "104"}, ids(results))
}

func TestAnalyze_FailedBatchDoesNotStopRun(t *testing.T) {
	caller := &echoCaller{failures: 3, err: errUpstream}
	a := New(caller, newCache(t), testOptions())

	results, err := a.Analyze(context.Background(), makePosts(10), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"105", "106", "107", "108", "109"}, ids(results))
	assert.Equal(t, 4, caller.Calls())
}

func TestAbsorb_PositionalPairing(t *testing.T) {
	cache := newCache(t)
	a := New(&echoCaller{}, cache, testOptions())
	b := model.Batch{Posts: []model.Post{
		{ID: "1", Entity: "Acme", Content: "первый"},
		{ID: "2", Entity: "Acme", Content: "второй"},
	}}

	text := "### АНАЛИЗ ПОСТА\nТональность: позитивная\nКраткое описание: первый пост.\nЗаголовок: Один\n\n" +
		"### АНАЛИЗ ПОСТА 2\nТональность: негативная\nКраткое описание: второй пост.\nЗаголовок: Два\n"
	results := a.Absorb(context.Background(), b, text)

	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].PostID, "missing id taken from position")
	assert.Equal(t, "2", results[1].PostID)

	hit, ok := cache.Lookup(context.Background(), "Acme", "ПЕРВЫЙ")
	require.True(t, ok)
	assert.Equal(t, "Один", hit.Title)
	assert.Empty(t, hit.PostID)
}

// anonymousReply answers the posts of a prompt in order without naming them.
func anonymousReply(titles ...string) string {
	var sb strings.Builder
	for _, title := range titles {
		fmt.Fprintf(&sb, "### АНАЛИЗ ПОСТА\nТональность: нейтральная\nКраткое описание: Про %s.\nЗаголовок: %s\n\n", title, title)
	}
	return sb.String()
}

func TestAbsorb_InterleavedEntities(t *testing.T) {
	b := model.Batch{Posts: []model.Post{
		{ID: "1", Entity: "Acme", Content: "acme first"},
		{ID: "2", Entity: "Beta", Content: "beta only"},
		{ID: "3", Entity: "Acme", Content: "acme second"},
	}}

	tests := []struct {
		name  string
		reply string
		want  map[string]string
	}{
		{
			name:  "named blocks",
			reply: reply(prompt.Build(b)),
			want:  map[string]string{"1": "Заголовок 1", "2": "Заголовок 2", "3": "Заголовок 3"},
		},
		{
			name:  "unnamed blocks in prompt order",
			reply: anonymousReply("Первый Acme", "Второй Acme", "Beta"),
			want:  map[string]string{"1": "Первый Acme", "2": "Beta", "3": "Второй Acme"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newCache(t)
			a := New(&echoCaller{}, cache, testOptions())

			results := a.Absorb(context.Background(), b, tt.reply)

			require.Len(t, results, 3)
			for _, r := range results {
				assert.Equal(t, tt.want[r.PostID], r.Title)
			}
			for _, p := range b.Posts {
				hit, ok := cache.Lookup(context.Background(), p.Entity, p.Content)
				require.True(t, ok, p.ID)
				assert.Equal(t, tt.want[p.ID], hit.Title)
			}
		})
	}
}

func TestAbsorb_AtMostOneResultPerPost(t *testing.T) {
	cache := newCache(t)
	a := New(&echoCaller{}, cache, testOptions())
	b := model.Batch{Posts: []model.Post{
		{ID: "p-a", Entity: "Acme", Content: "первый"},
		{ID: "p-b", Entity: "Acme", Content: "второй"},
	}}

	text := "### АНАЛИЗ ПОСТА p-a\nТональность: позитивная\nКраткое описание: Первый.\nЗаголовок: Один\n\n" +
		"### АНАЛИЗ ПОСТА p-b\nТональность: негативная\nКраткое описание: Второй.\nЗаголовок: Два\n\n" +
		"### АНАЛИЗ ПОСТА\nТональность: нейтральная\nКраткое описание: Лишний блок.\nЗаголовок: Три\n\n" +
		"### АНАЛИЗ ПОСТА\nТональность: нейтральная\nКраткое описание: Выручка 42 млн.\nЗаголовок: Четыре\n\n" +
		"### АНАЛИЗ ПОСТА p-a\nТональность: негативная\nКраткое описание: Повтор.\nЗаголовок: Повтор\n"

	results := a.Absorb(context.Background(), b, text)

	assert.Equal(t, []string{"p-a", "p-b"}, ids(results))
	assert.Equal(t, "Один", results[0].Title)
	assert.Equal(t, "Два", results[1].Title)

	hit, ok := cache.Lookup(context.Background(), "Acme", "первый")
	require.True(t, ok)
	assert.Equal(t, "Один", hit.Title)
}

func TestAbsorb_ShortReplyLeavesRestUncached(t *testing.T) {
	cache := newCache(t)
	a := New(&echoCaller{}, cache, testOptions())
	b := model.Batch{Posts: []model.Post{
		{ID: "1", Entity: "Acme", Content: "первый"},
		{ID: "2", Entity: "Acme", Content: "второй"},
	}}

	results := a.Absorb(context.Background(), b, reply("post_id: 1\n"))

	assert.Equal(t, []string{"1"}, ids(results))
	_, ok := cache.Lookup(context.Background(), "Acme", "второй")
	assert.False(t, ok)
}

func TestAttemptTimeout(t *testing.T) {
	a := New(&echoCaller{}, newCache(t), Options{})

	assert.Equal(t, 120*time.Second, a.AttemptTimeout("short"))
	assert.Equal(t, 120*time.Second, a.AttemptTimeout(strings.Repeat("x", 120999)))
	assert.Equal(t, 250*time.Second, a.AttemptTimeout(strings.Repeat("x", 250000)))
}

func TestProcessBatch_PerAttemptTimeout(t *testing.T) {
	var deadlines []time.Duration
	caller := callerFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		deadlines = append(deadlines, time.Until(dl))
		return nil, errUpstream
	})
	opts := testOptions()
	opts.MinTimeout = time.Minute
	a := New(caller, newCache(t), opts)

	_, err := a.ProcessBatch(context.Background(), model.Batch{Posts: makePosts(1)})

	require.Error(t, err)
	require.Len(t, deadlines, 3)
	for _, d := range deadlines {
		assert.InDelta(t, time.Minute.Seconds(), d.Seconds(), 5)
	}
}

type callerFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

func (f callerFunc) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}
