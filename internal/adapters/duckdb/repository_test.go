package duckdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_Tasks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := domain.Task{
		ID:          "task-1",
		Kind:        domain.TaskKindNetwork,
		Priority:    domain.PriorityHigh,
		Payload:     json.RawMessage(`{"url":"https://example.com"}`),
		Timeout:     30 * time.Second,
		Status:      domain.TaskStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	// 1. Insert
	require.NoError(t, repo.PutTask(ctx, task, time.Hour))

	fetched, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, fetched.ID)
	assert.Equal(t, domain.PriorityHigh, fetched.Priority)
	assert.Equal(t, 30*time.Second, fetched.Timeout)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(fetched.Payload))

	// 2. Update through the upsert
	task.Status = domain.TaskStatusAssigned
	task.Assignment = &domain.Assignment{TaskID: task.ID, WorkerID: "organelle-1", AssignedAt: now, Deadline: now.Add(task.Timeout)}
	require.NoError(t, repo.PutTask(ctx, task, time.Hour))

	fetched, err = repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, fetched.Status)
	require.NotNil(t, fetched.Assignment)
	assert.Equal(t, domain.WorkerID("organelle-1"), fetched.Assignment.WorkerID)

	var workerID string
	require.NoError(t, repo.db.QueryRowContext(ctx, "SELECT worker_id FROM tasks WHERE id = ?", "task-1").Scan(&workerID))
	assert.Equal(t, "organelle-1", workerID)

	// 3. Missing
	_, err = repo.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRepository_TaskExpiry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()
	repo.now = func() time.Time { return base }

	require.NoError(t, repo.PutTask(ctx, domain.Task{ID: "short", Kind: domain.TaskKindSystem, Priority: domain.PriorityLow, Status: domain.TaskStatusCompleted}, time.Minute))
	require.NoError(t, repo.PutTask(ctx, domain.Task{ID: "forever", Kind: domain.TaskKindSystem, Priority: domain.PriorityLow, Status: domain.TaskStatusCompleted}, 0))

	repo.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := repo.GetTask(ctx, "short")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = repo.GetTask(ctx, "forever")
	assert.NoError(t, err)

	n, err := repo.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepository_Workers(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	w := domain.WorkerCapacity{
		ID:            "organelle-1",
		Kind:          domain.WorkerKindOrganelle,
		MaxConcurrent: 4,
		CurrentLoad:   1,
		Capabilities:  []domain.TaskKind{domain.TaskKindLightweight},
		LastHeartbeat: time.Now(),
	}
	require.NoError(t, repo.PutWorker(ctx, w, 5*time.Minute))

	w.CurrentLoad = 3
	require.NoError(t, repo.PutWorker(ctx, w, 5*time.Minute))

	var load, count int
	require.NoError(t, repo.db.QueryRowContext(ctx, "SELECT current_load FROM workers WHERE id = ?", "organelle-1").Scan(&load))
	require.NoError(t, repo.db.QueryRowContext(ctx, "SELECT count(*) FROM workers").Scan(&count))
	assert.Equal(t, 3, load)
	assert.Equal(t, 1, count)

	assert.NoError(t, repo.Ping(ctx))
}
