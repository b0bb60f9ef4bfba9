package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

// MockQueue is a mock implementation of the jobs.MessageQueue interface
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, topic string, payload any, opts queue.Options) (string, error) {
	args := m.Called(ctx, topic, payload, opts)
	return args.String(0), args.Error(1)
}

func (m *MockQueue) EnqueueBatch(ctx context.Context, topic string, payloads []any, opts queue.Options) error {
	args := m.Called(ctx, topic, payloads, opts)
	return args.Error(0)
}

func (m *MockQueue) ListWaiting(ctx context.Context, topic string, limit int) ([]*queue.Message, error) {
	args := m.Called(ctx, topic, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*queue.Message), args.Error(1)
}
