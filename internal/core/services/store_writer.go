package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
)

type storeOp struct {
	task   *domain.Task
	worker *domain.WorkerCapacity
}

// StoreWriter writes task and worker records through to the durable store
// from a single goroutine. Callers never wait on the store: when the backlog
// is full the record is dropped and health turns degraded.
type StoreWriter struct {
	logger  *slog.Logger
	store   ports.TaskStore
	cfg     domain.StoreConfig
	ops     chan storeOp
	mu      sync.Mutex
	lastErr error
	errAt   time.Time
	dropped int
}

// NewStoreWriter wraps store with a bounded write-behind queue.
func NewStoreWriter(logger *slog.Logger, store ports.TaskStore, cfg domain.StoreConfig) *StoreWriter {
	backlog := cfg.WriteBacklog
	if backlog <= 0 {
		backlog = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &StoreWriter{
		logger: logger,
		store:  store,
		cfg:    cfg,
		ops:    make(chan storeOp, backlog),
	}
}

// PutTask schedules a task write.
func (w *StoreWriter) PutTask(t domain.Task) {
	cp := t.Clone()
	w.enqueue(storeOp{task: &cp})
}

// PutWorker schedules a worker snapshot write.
func (w *StoreWriter) PutWorker(wc domain.WorkerCapacity) {
	cp := wc.Clone()
	w.enqueue(storeOp{worker: &cp})
}

func (w *StoreWriter) enqueue(op storeOp) {
	select {
	case w.ops <- op:
	default:
		w.mu.Lock()
		w.dropped++
		w.lastErr = fmt.Errorf("durable store backlog full, %d writes dropped", w.dropped)
		w.errAt = time.Now()
		w.mu.Unlock()
		w.logger.Warn("durable store backlog full, dropping write")
	}
}

const purgeInterval = time.Minute

// Run drains the write queue until ctx is cancelled. Stores without native
// expiry are purged on a fixed interval.
func (w *StoreWriter) Run(ctx context.Context) error {
	w.logger.Info("store writer started")
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("store writer stopped", "pending", len(w.ops))
			return nil
		case op := <-w.ops:
			w.apply(ctx, op)
		case <-ticker.C:
			w.purge(ctx)
		}
	}
}

func (w *StoreWriter) purge(ctx context.Context) {
	p, ok := w.store.(ports.Purger)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()
	n, err := p.PurgeExpired(ctx)
	if err != nil {
		w.logger.Error("failed to purge expired records", "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("purged expired records", "count", n)
	}
}

func (w *StoreWriter) apply(ctx context.Context, op storeOp) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	var err error
	switch {
	case op.task != nil:
		err = w.store.PutTask(ctx, *op.task, w.cfg.TaskTTL)
		if err != nil {
			err = fmt.Errorf("put task %s: %w", op.task.ID, err)
		}
	case op.worker != nil:
		err = w.store.PutWorker(ctx, *op.worker, w.cfg.WorkerTTL)
		if err != nil {
			err = fmt.Errorf("put worker %s: %w", op.worker.ID, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.logger.Error("durable store write failed", "error", err)
		w.lastErr = err
		w.errAt = time.Now()
		return
	}
	w.lastErr = nil
}

// LoadTask reads a task from the store, bounded by the write timeout.
func (w *StoreWriter) LoadTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()
	return w.store.GetTask(ctx, id)
}

// Check pings the store and reports the last write failure, if any.
func (w *StoreWriter) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	if err := w.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Pending reports queued writes.
func (w *StoreWriter) Pending() int {
	return len(w.ops)
}
