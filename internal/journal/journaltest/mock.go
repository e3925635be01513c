// Package journaltest provides a testify mock of journal.Repository.
package journaltest

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/Bidon15/popsigner/provisioner/internal/journal"
)

// MockRepository is a mock implementation of journal.Repository for testing.
type MockRepository struct {
	mock.Mock
}

var _ journal.Repository = (*MockRepository)(nil)

func (m *MockRepository) CreateRun(ctx context.Context, run *journal.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRepository) FinishRun(ctx context.Context, id uuid.UUID, status journal.RunStatus, phase, errMsg string) error {
	args := m.Called(ctx, id, status, phase, errMsg)
	return args.Error(0)
}

func (m *MockRepository) GetRun(ctx context.Context, id uuid.UUID) (*journal.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*journal.Run), args.Error(1)
}

func (m *MockRepository) RecordTx(ctx context.Context, ev *journal.TxEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockRepository) ListTxs(ctx context.Context, runID uuid.UUID) ([]*journal.TxEvent, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*journal.TxEvent), args.Error(1)
}

func (m *MockRepository) Close() {
	m.Called()
}
