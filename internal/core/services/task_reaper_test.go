package services

import (
	"context"
	"testing"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskReaper_PendingNeverTimesOut(t *testing.T) {
	h := newHarness(t, testDispatchConfig())

	res, err := h.d.Submit(context.Background(), SubmitRequest{Kind: domain.TaskKindComplex, Timeout: time.Second})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.d.ReapTimeouts())
	assert.Equal(t, domain.TaskStatusPending, h.status(t, res.TaskID).Status)
}

func TestTaskReaper_RunningTaskTimesOut(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	_, err := h.d.RegisterWorker(context.Background(), organelle("a", 1, domain.TaskKindNetwork))
	require.NoError(t, err)

	res, err := h.d.Submit(context.Background(), SubmitRequest{Kind: domain.TaskKindNetwork, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, 1, h.d.DispatchTick(context.Background()))
	_, err = h.d.ReportStatus(context.Background(), StatusReport{TaskID: res.TaskID, WorkerID: "a", Status: domain.TaskStatusRunning})
	require.NoError(t, err)

	h.clock.Advance(6 * time.Second)
	assert.Equal(t, 1, h.d.ReapTimeouts())

	task := h.status(t, res.TaskID)
	assert.Equal(t, domain.TaskStatusTimeout, task.Status)
	require.NotNil(t, task.Error)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 0, h.load(t, "a"))

	// Nothing left to reap.
	assert.Equal(t, 0, h.d.ReapTimeouts())
}

func TestTaskReaper_SweepDisabled(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.RetentionWindow = 0
	h := newHarness(t, cfg)
	assert.Equal(t, 0, h.d.SweepFinished())
}

func TestLoops_StopOnCancel(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher loops did not stop")
	}
}

func TestDispatchLoop_DispatchesOnTick(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	_, err := h.d.RegisterWorker(context.Background(), organelle("a", 1, domain.TaskKindLightweight))
	require.NoError(t, err)
	id := h.submit(t, domain.TaskKindLightweight)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewDispatchLoop(h.d.logger, h.d, 10*time.Millisecond).Run(ctx) }()

	require.Eventually(t, func() bool {
		task, ok := h.tracker.Get(id)
		return ok && task.Status == domain.TaskStatusAssigned
	}, 2*time.Second, 10*time.Millisecond)
}
