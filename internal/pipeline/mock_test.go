package pipeline

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/goshawk-habitat/internal/model"
	"github.com/sells-group/goshawk-habitat/internal/store"
)

type mockStore struct {
	mock.Mock
}

var _ store.Store = (*mockStore)(nil)

func (m *mockStore) CreateRun(ctx context.Context, region string, config json.RawMessage) (*model.Run, error) {
	args := m.Called(ctx, region, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	args := m.Called(ctx, runID, summary)
	return args.Error(0)
}

func (m *mockStore) FailRun(ctx context.Context, runID string, reason string) error {
	args := m.Called(ctx, runID, reason)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *mockStore) SavePatches(ctx context.Context, runID string, patches []model.PatchRecord) error {
	args := m.Called(ctx, runID, patches)
	return args.Error(0)
}

func (m *mockStore) ListPatches(ctx context.Context, runID string) ([]model.PatchRecord, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PatchRecord), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
