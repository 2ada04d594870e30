package mocks

import (
	"context"

	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/stretchr/testify/mock"
)

// MockRepositoryOperations is a mock implementation of repository.Operations.
type MockRepositoryOperations struct {
	mock.Mock
}

func (m *MockRepositoryOperations) Status(ctx context.Context, repoPath string) (*repository.Status, error) {
	args := m.Called(ctx, repoPath)

	status, _ := args.Get(0).(*repository.Status)

	return status, args.Error(1)
}

func (m *MockRepositoryOperations) History(ctx context.Context, repoPath string, limit int) ([]repository.Commit, error) {
	args := m.Called(ctx, repoPath, limit)

	commits, _ := args.Get(0).([]repository.Commit)

	return commits, args.Error(1)
}

func (m *MockRepositoryOperations) ReadTree(ctx context.Context, repoPath string, excludes []string) (*repository.Snapshot, error) {
	args := m.Called(ctx, repoPath, excludes)

	snapshot, _ := args.Get(0).(*repository.Snapshot)

	return snapshot, args.Error(1)
}
