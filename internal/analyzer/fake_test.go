package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/llm"
	"github.com/sells-group/lmm-analyzer/internal/prompt"
	"github.com/sells-group/lmm-analyzer/pkg/anthropic"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var promptIDRe = regexp.MustCompile(`(?m)^post_id: (.+)$`)

// reply renders a well-formed answer for every post in a prompt.
func reply(text string) string {
	var sb strings.Builder
	for _, m := range promptIDRe.FindAllStringSubmatch(text, -1) {
		fmt.Fprintf(&sb, "%s %s\n%s: нейтральная\n%s: Описание поста %s.\n%s: Заголовок %s\n\n",
			prompt.BlockMarker, m[1],
			prompt.TonalityLabel,
			prompt.DescriptionLabel, m[1],
			prompt.TitleLabel, m[1])
	}
	return sb.String()
}

// echoCaller answers every prompt correctly, failing the first failures
// calls with err.
type echoCaller struct {
	mu       sync.Mutex
	calls    int
	prompts  []string
	failures int
	err      error
	override func(prompt string) string
}

func (c *echoCaller) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, req.Prompt)
	if c.calls <= c.failures {
		return nil, c.err
	}
	text := reply(req.Prompt)
	if c.override != nil {
		text = c.override(req.Prompt)
	}
	return &llm.Response{Text: text, Model: "test-model"}, nil
}

func (c *echoCaller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

type itemIterator struct {
	items []anthropic.BatchResultItem
	idx   int
}

func (it *itemIterator) Next() bool {
	if it.idx < len(it.items) {
		it.idx++
		return true
	}
	return false
}

func (it *itemIterator) Item() anthropic.BatchResultItem { return it.items[it.idx-1] }
func (it *itemIterator) Err() error                      { return nil }
func (it *itemIterator) Close() error                    { return nil }
