package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"opsync/internal/models"
	"opsync/internal/worker"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Append(ctx context.Context, op *models.Operation) error {
	return m.Called(ctx, op).Error(0)
}

func (m *mockStore) Head(ctx context.Context, ownerKey string) (*models.Operation, error) {
	args := m.Called(ctx, ownerKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Operation), args.Error(1)
}

func (m *mockStore) Load(ctx context.Context) ([]*models.Operation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Operation), args.Error(1)
}

func (m *mockStore) Update(ctx context.Context, op *models.Operation) error {
	return m.Called(ctx, op).Error(0)
}

func (m *mockStore) Remove(ctx context.Context, ids ...string) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *mockStore) RemoveOwner(ctx context.Context, ownerKey string) (int, error) {
	args := m.Called(ctx, ownerKey)
	return args.Int(0), args.Error(1)
}

func TestFailoverOperationStore(t *testing.T) {
	primary := new(mockStore)
	fallback := new(mockStore)
	clock := clockwork.NewFakeClock()
	logger := zerolog.New(io.Discard)
	repo := NewFailoverOperationStore(primary, fallback, clock, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		op := newOp(t, models.KindTrackEvent, "u1", 1)
		primary.On("Append", ctx, op).Return(nil).Once()

		require.NoError(t, repo.Append(ctx, op))
		primary.AssertExpectations(t)
		fallback.AssertNotCalled(t, "Append", ctx, op)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		op := newOp(t, models.KindTrackEvent, "u1", 2)
		primary.On("Append", ctx, op).Return(errors.New("connection refused")).Once()
		fallback.On("Append", ctx, op).Return(nil).Once()

		require.NoError(t, repo.Append(ctx, op))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		op := newOp(t, models.KindTrackEvent, "u1", 3)
		fallback.On("Append", ctx, op).Return(nil).Once()

		require.NoError(t, repo.Append(ctx, op))
		primary.AssertNotCalled(t, "Append", ctx, op)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		op := newOp(t, models.KindTrackEvent, "u1", 4)
		primary.On("Append", ctx, op).Return(nil).Once()

		require.NoError(t, repo.Append(ctx, op))
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})
}

func TestFailoverOperationStoreReadsMerge(t *testing.T) {
	primary := NewMemoryOperationStore()
	fallback := NewMemoryOperationStore()
	repo := NewFailoverOperationStore(primary, fallback, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	a := newOp(t, models.KindUpdateProperty, "u1", 1)
	b := newOp(t, models.KindUpdateProperty, "u1", 2)
	c := newOp(t, models.KindUpdateProperty, "u1", 3)
	require.NoError(t, primary.Append(ctx, a))
	require.NoError(t, fallback.Append(ctx, b))
	require.NoError(t, primary.Append(ctx, c))

	ops, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	require.NoError(t, repo.Remove(ctx, a.ID))
	head, err := repo.Head(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, head.ID, "fallback head has the lower seq")

	b.Attempt = 2
	require.NoError(t, repo.Update(ctx, b))
	stored, err := fallback.Head(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempt)

	assert.ErrorIs(t, repo.Update(ctx, newOp(t, models.KindTrackEvent, "x", 9)), worker.ErrNotFound)

	n, err := repo.RemoveOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = repo.Head(ctx, "u1")
	assert.ErrorIs(t, err, worker.ErrNotFound)
}

func TestFailoverOperationStoreLoadToleratesOneFailure(t *testing.T) {
	primary := new(mockStore)
	fallback := NewMemoryOperationStore()
	repo := NewFailoverOperationStore(primary, fallback, nil, nil)
	ctx := context.Background()

	op := newOp(t, models.KindTrackEvent, "u1", 1)
	require.NoError(t, fallback.Append(ctx, op))
	primary.On("Load", ctx).Return(nil, errors.New("down")).Once()

	ops, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}
