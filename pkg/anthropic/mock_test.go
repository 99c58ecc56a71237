package anthropic

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func (m *mockClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *mockClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *mockClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(BatchResultIterator), args.Error(1)
}

// sliceIterator yields fixed items, then reports err.
type sliceIterator struct {
	items  []BatchResultItem
	idx    int
	err    error
	closed bool
}

func newSliceIterator(items []BatchResultItem, err error) *sliceIterator {
	return &sliceIterator{items: items, idx: -1, err: err}
}

func (it *sliceIterator) Next() bool {
	if it.idx+1 < len(it.items) {
		it.idx++
		return true
	}
	return false
}

func (it *sliceIterator) Item() BatchResultItem { return it.items[it.idx] }
func (it *sliceIterator) Err() error            { return it.err }
func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}
