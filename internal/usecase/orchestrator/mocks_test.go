package orchestrator

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// MockRequestStore is a mock implementation of out.RequestStore.
type MockRequestStore struct {
	mock.Mock
}

func (m *MockRequestStore) CreateBatch(ctx context.Context, batch *domain.Batch, requests []*domain.Request) error {
	args := m.Called(ctx, batch, requests)
	return args.Error(0)
}

func (m *MockRequestStore) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Request), args.Error(1)
}

func (m *MockRequestStore) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Batch), args.Error(1)
}

func (m *MockRequestStore) BatchRequests(ctx context.Context, batchID string) ([]*domain.Request, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Request), args.Error(1)
}

func (m *MockRequestStore) ListRequests(ctx context.Context, q out.RequestQuery) ([]*domain.Request, int, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*domain.Request), args.Int(1), args.Error(2)
}

func (m *MockRequestStore) NextQueued(ctx context.Context, limit int) ([]*domain.Request, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Request), args.Error(1)
}

func (m *MockRequestStore) StaleInProgress(ctx context.Context, cutoff time.Time) ([]*domain.Request, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Request), args.Error(1)
}

func (m *MockRequestStore) ActiveBatchFor(ctx context.Context, kind domain.RequestKind, target string) (string, error) {
	args := m.Called(ctx, kind, target)
	return args.String(0), args.Error(1)
}

func (m *MockRequestStore) SaveTransition(ctx context.Context, req *domain.Request, prev domain.RequestState) error {
	args := m.Called(ctx, req, prev)
	return args.Error(0)
}

func (m *MockRequestStore) AppendLogLines(ctx context.Context, requestID string, lines []string) error {
	args := m.Called(ctx, requestID, lines)
	return args.Error(0)
}

func (m *MockRequestStore) RequestLogs(ctx context.Context, requestID string, offset int) ([]string, error) {
	args := m.Called(ctx, requestID, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRequestStore) PurgeTerminalBatches(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *MockRequestStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockImageResolver is a mock implementation of out.ImageResolver.
type MockImageResolver struct {
	mock.Mock
}

func (m *MockImageResolver) Resolve(ctx context.Context, ref string) (*out.ResolvedImage, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*out.ResolvedImage), args.Error(1)
}

// MockEventPublisher is a mock implementation of out.EventPublisher.
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(eventType domain.EventType, payload any) error {
	args := m.Called(eventType, payload)
	return args.Error(0)
}
