package builds

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bindery-io/bindery/internal/boundaries/in"
	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// MockBuildService is a mock implementation of in.BuildService.
type MockBuildService struct {
	mock.Mock
}

func (m *MockBuildService) Submit(ctx context.Context, kind domain.RequestKind, params domain.BuildParams, annotations map[string]string) (*in.BatchStatus, error) {
	args := m.Called(ctx, kind, params, annotations)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*in.BatchStatus), args.Error(1)
}

func (m *MockBuildService) Batch(ctx context.Context, id string) (*in.BatchStatus, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*in.BatchStatus), args.Error(1)
}

func (m *MockBuildService) Request(ctx context.Context, id string) (*domain.Request, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Request), args.Error(1)
}

func (m *MockBuildService) Requests(ctx context.Context, q out.RequestQuery) ([]*domain.Request, int, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*domain.Request), args.Int(1), args.Error(2)
}

func (m *MockBuildService) RequestLogs(ctx context.Context, id string, offset int) ([]string, error) {
	args := m.Called(ctx, id, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBuildService) Cancel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
