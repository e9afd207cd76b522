package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/gmpusage/pkg/storage"
	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetEntry(ctx context.Context, username string) (types.Entry, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(types.Entry), args.Error(1)
}

func (m *MockDatabase) SetEntry(ctx context.Context, entry types.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) InsertSnapshot(ctx context.Context, accountID string, result types.PollingResult) error {
	args := m.Called(ctx, accountID, result)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestSnapshot(ctx context.Context, accountID string) (types.PollingResult, error) {
	args := m.Called(ctx, accountID)
	// return empty if not specified
	if len(args) > 0 {
		return args.Get(0).(types.PollingResult), args.Error(1)
	}
	return types.PollingResult{}, storage.ErrSnapshotNotFound
}

func (m *MockDatabase) ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]types.PollingResult, error) {
	args := m.Called(ctx, accountID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PollingResult), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
