package services

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *WorkerRegistry {
	return NewWorkerRegistry(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func organelle(id string, maxConcurrent int, caps ...domain.TaskKind) domain.WorkerCapacity {
	return domain.WorkerCapacity{
		ID:            domain.WorkerID(id),
		Kind:          domain.WorkerKindOrganelle,
		MaxConcurrent: maxConcurrent,
		Capabilities:  caps,
		Endpoint:      "http://" + id + ":8080",
	}
}

func desktopCell(id string, maxConcurrent int) domain.WorkerCapacity {
	return domain.WorkerCapacity{
		ID:            domain.WorkerID(id),
		Kind:          domain.WorkerKindDesktopCell,
		MaxConcurrent: maxConcurrent,
	}
}

func TestWorkerRegistry_RegisterClampsLoad(t *testing.T) {
	r := newTestRegistry()

	w := organelle("a", 2, domain.TaskKindLightweight)
	w.CurrentLoad = 7
	rec, err := r.Register(w)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CurrentLoad)
	assert.False(t, rec.LastHeartbeat.IsZero())

	w.CurrentLoad = -3
	rec, err = r.Register(w)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.CurrentLoad)
	assert.Equal(t, 1, r.Len())
}

func TestWorkerRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Register(organelle("", 2))
	assert.ErrorIs(t, err, domain.ErrInvalidCapacity)

	_, err = r.Register(organelle("a", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidCapacity)

	_, err = r.Register(domain.WorkerCapacity{ID: "x", Kind: "gpu", MaxConcurrent: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidCapacity)
	assert.Equal(t, 0, r.Len())
}

func TestWorkerRegistry_ReRegisterKeepsRegisteredAt(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	_, err := r.Register(organelle("a", 2, domain.TaskKindLightweight))
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(time.Minute) }
	rec, err := r.Register(organelle("a", 4, domain.TaskKindNetwork))
	require.NoError(t, err)

	assert.Equal(t, base, rec.RegisteredAt)
	assert.Equal(t, base.Add(time.Minute), rec.LastHeartbeat)
	assert.Equal(t, 4, rec.MaxConcurrent)
	assert.Equal(t, []domain.TaskKind{domain.TaskKindNetwork}, rec.Capabilities)
}

func TestWorkerRegistry_HeartbeatUnknownWorker(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Heartbeat("ghost", 0)
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestWorkerRegistry_ExpiredEvicts(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	_, err := r.Register(organelle("a", 2, domain.TaskKindLightweight))
	require.NoError(t, err)
	_, err = r.Register(organelle("b", 2, domain.TaskKindLightweight))
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(50 * time.Second) }
	_, err = r.Heartbeat("b", 0)
	require.NoError(t, err)

	stale := r.Expired(base.Add(61*time.Second), 60*time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, domain.WorkerID("a"), stale[0].ID)

	eligible := r.Eligible(domain.TaskKindLightweight)
	require.Len(t, eligible, 1)
	assert.Equal(t, domain.WorkerID("b"), eligible[0].ID)
}

func TestWorkerRegistry_EligibleFiltersByCapabilityAndCapacity(t *testing.T) {
	r := newTestRegistry()

	_, _ = r.Register(organelle("light", 1, domain.TaskKindLightweight))
	_, _ = r.Register(organelle("net", 1, domain.TaskKindNetwork))
	full := organelle("full", 1, domain.TaskKindLightweight)
	full.CurrentLoad = 1
	_, _ = r.Register(full)
	_, _ = r.Register(desktopCell("desk", 1))

	ids := func(ws []domain.WorkerCapacity) []domain.WorkerID {
		out := make([]domain.WorkerID, 0, len(ws))
		for _, w := range ws {
			out = append(out, w.ID)
		}
		return out
	}

	assert.Equal(t, []domain.WorkerID{"desk", "light"}, ids(r.Eligible(domain.TaskKindLightweight)))
	assert.Equal(t, []domain.WorkerID{"desk"}, ids(r.Eligible(domain.TaskKindComplex)))
	assert.Equal(t, []domain.WorkerID{"desk"}, ids(r.EligibleFor(domain.Task{Kind: domain.TaskKindNetwork, RequiresDesktop: true})))
}

func TestWorkerRegistry_ReserveAndRelease(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register(organelle("a", 1, domain.TaskKindLightweight))
	task := domain.Task{Kind: domain.TaskKindLightweight, Priority: domain.PriorityNormal}

	w, err := r.Reserve(task)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentLoad)

	_, err = r.Reserve(task)
	assert.ErrorIs(t, err, domain.ErrNoEligibleWorker)

	assert.True(t, r.Release("a"))
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 0, got.CurrentLoad)

	// Release never goes below zero.
	assert.True(t, r.Release("a"))
	got, _ = r.Get("a")
	assert.Equal(t, 0, got.CurrentLoad)

	assert.False(t, r.Release("ghost"))
}

func TestWorkerRegistry_ConcurrentReserveNeverOverCommits(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register(organelle("a", 3, domain.TaskKindLightweight))
	_, _ = r.Register(organelle("b", 2, domain.TaskKindLightweight))
	task := domain.Task{Kind: domain.TaskKindLightweight, Priority: domain.PriorityHigh}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reserve(task); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	for _, w := range r.List() {
		assert.LessOrEqual(t, w.CurrentLoad, w.MaxConcurrent, "worker %s over-committed", w.ID)
		assert.Equal(t, w.MaxConcurrent, w.CurrentLoad)
	}
}

func TestWorkerRegistry_HasPrivileged(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register(organelle("a", 1, domain.TaskKindLightweight))
	assert.False(t, r.HasPrivileged())

	_, _ = r.Register(desktopCell("desk", 1))
	assert.True(t, r.HasPrivileged())

	_, ok := r.Evict("desk")
	assert.True(t, ok)
	assert.False(t, r.HasPrivileged())
}
