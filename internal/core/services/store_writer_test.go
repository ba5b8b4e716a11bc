package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) PutTask(ctx context.Context, task domain.Task, ttl time.Duration) error {
	return m.Called(task.ID, ttl).Error(0)
}

func (m *mockStore) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	args := m.Called(id)
	return args.Get(0).(domain.Task), args.Error(1)
}

func (m *mockStore) PutWorker(ctx context.Context, w domain.WorkerCapacity, ttl time.Duration) error {
	return m.Called(w.ID, ttl).Error(0)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockStore) Close() error { return nil }

func newTestWriter(store *mockStore, backlog int) *StoreWriter {
	cfg := domain.DefaultConfig().Store
	cfg.WriteBacklog = backlog
	return NewStoreWriter(slog.New(slog.NewJSONHandler(os.Stdout, nil)), store, cfg)
}

func TestStoreWriter_WritesThroughWithTTL(t *testing.T) {
	store := &mockStore{}
	store.On("PutTask", domain.TaskID("t1"), 24*time.Hour).Return(nil).Once()
	written := make(chan struct{})
	store.On("PutWorker", domain.WorkerID("a"), 5*time.Minute).Return(nil).Once().
		Run(func(mock.Arguments) { close(written) })
	store.On("Ping").Return(nil)

	w := newTestWriter(store, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.PutTask(domain.Task{ID: "t1"})
	w.PutWorker(domain.WorkerCapacity{ID: "a"})

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("worker snapshot was not written")
	}
	assert.NoError(t, w.Check(context.Background()))
	store.AssertExpectations(t)
}

func TestStoreWriter_FailureDegradesUntilNextSuccess(t *testing.T) {
	store := &mockStore{}
	store.On("PutTask", domain.TaskID("bad"), mock.Anything).Return(errors.New("connection reset")).Once()
	store.On("PutTask", domain.TaskID("good"), mock.Anything).Return(nil).Once()
	store.On("Ping").Return(nil)

	w := newTestWriter(store, 8)

	w.apply(context.Background(), storeOp{task: &domain.Task{ID: "bad"}})
	err := w.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	w.apply(context.Background(), storeOp{task: &domain.Task{ID: "good"}})
	assert.NoError(t, w.Check(context.Background()))
}

func TestStoreWriter_FullBacklogDropsWithoutBlocking(t *testing.T) {
	store := &mockStore{}
	store.On("Ping").Return(nil)

	w := newTestWriter(store, 1)
	w.PutTask(domain.Task{ID: "t1"})
	w.PutTask(domain.Task{ID: "t2"})

	assert.Equal(t, 1, w.Pending())
	err := w.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 writes dropped")
}

func TestStoreWriter_PingFailure(t *testing.T) {
	store := &mockStore{}
	store.On("Ping").Return(errors.New("dial tcp: refused"))

	w := newTestWriter(store, 1)
	err := w.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestStoreWriter_LoadTask(t *testing.T) {
	store := &mockStore{}
	store.On("GetTask", domain.TaskID("t1")).Return(domain.Task{ID: "t1", Status: domain.TaskStatusCompleted}, nil)
	store.On("GetTask", domain.TaskID("t2")).Return(domain.Task{}, domain.ErrTaskNotFound)

	w := newTestWriter(store, 1)
	task, err := w.LoadTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)

	_, err = w.LoadTask(context.Background(), "t2")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

type purgingStore struct {
	mockStore
	purged int
}

func (p *purgingStore) PurgeExpired(ctx context.Context) (int64, error) {
	p.purged++
	return 3, nil
}

func TestStoreWriter_PurgesStoresWithoutNativeExpiry(t *testing.T) {
	store := &purgingStore{}
	w := NewStoreWriter(slog.New(slog.NewJSONHandler(os.Stdout, nil)), store, domain.DefaultConfig().Store)

	w.purge(context.Background())
	assert.Equal(t, 1, store.purged)

	// A plain store is left alone.
	newTestWriter(&mockStore{}, 1).purge(context.Background())
}
