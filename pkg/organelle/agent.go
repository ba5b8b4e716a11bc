package organelle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/adapters/transport"
	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"golang.org/x/sync/errgroup"
)

// Handler runs one delivered task. A non-nil error finishes the task as
// FAILED; the result is reported either way.
type Handler interface {
	Handle(ctx context.Context, task domain.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task domain.Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Config describes the organelle as the dispatcher will see it.
type Config struct {
	ID                domain.WorkerID
	Kind              domain.WorkerKind
	MaxConcurrent     int
	Capabilities      []domain.TaskKind
	ListenAddr        string        // ":9000"
	Endpoint          string        // advertised base URL, e.g. "http://organelle-net:9000"
	HeartbeatInterval time.Duration // default 15s
	ReportTimeout     time.Duration // default 10s
}

// Agent registers with the dispatcher, keeps its registration alive and
// runs delivered tasks through a Handler.
type Agent struct {
	logger  *slog.Logger
	cfg     Config
	client  *Client
	handler Handler
	load    atomic.Int64
	tasks   sync.WaitGroup
	ctx     context.Context // parent of every task run
	cancel  context.CancelFunc
}

func NewAgent(logger *slog.Logger, cfg Config, client *Client, handler Handler) (*Agent, error) {
	if cfg.Kind == "" {
		cfg.Kind = domain.WorkerKindOrganelle
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if err := cfg.capacity(0).Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("organelle handler is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		logger:  logger,
		cfg:     cfg,
		client:  client,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (c Config) capacity(load int) domain.WorkerCapacity {
	return domain.WorkerCapacity{
		ID:            c.ID,
		Kind:          c.Kind,
		MaxConcurrent: c.MaxConcurrent,
		CurrentLoad:   load,
		Capabilities:  c.Capabilities,
		Endpoint:      c.Endpoint,
	}
}

// Load reports the number of tasks currently running.
func (a *Agent) Load() int {
	return int(a.load.Load())
}

// Register announces the organelle with its current load.
func (a *Agent) Register(ctx context.Context) error {
	rec, err := a.client.Register(ctx, a.cfg.capacity(a.Load()))
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	a.logger.Info("registered with dispatcher", "worker_id", rec.ID, "endpoint", rec.Endpoint, "max_concurrent", rec.MaxConcurrent)
	return nil
}

// Run registers, serves deliveries and heartbeats until ctx is cancelled.
// Running tasks are given until shutdown completes to report back.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.Handler(),
	}
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("organelle ingress listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("organelle server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.heartbeatLoop(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.Stop()
		if derr := a.client.Deregister(shutdownCtx, a.cfg.ID); derr != nil {
			a.logger.Warn("failed to deregister", "error", derr)
		}
		return err
	})
	return g.Wait()
}

// Stop cancels running tasks and waits for their reports.
func (a *Agent) Stop() {
	a.cancel()
	a.tasks.Wait()
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	a.logger.Info("heartbeat loop started", "interval", a.cfg.HeartbeatInterval)
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("heartbeat loop stopped")
			return nil
		case <-ticker.C:
			a.Beat(ctx)
		}
	}
}

// Beat sends one heartbeat and re-registers when the dispatcher has
// forgotten the organelle. Failures are logged and retried next interval.
func (a *Agent) Beat(ctx context.Context) {
	err := a.client.Heartbeat(ctx, a.cfg.ID, a.Load())
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotRegistered) {
		a.logger.Warn("dispatcher lost registration, re-registering", "worker_id", a.cfg.ID)
		if err := a.Register(ctx); err != nil {
			a.logger.Error("re-registration failed", "error", err)
		}
		return
	}
	a.logger.Error("heartbeat failed", "error", err)
}

// Handler returns the organelle ingress.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+transport.ExecutePath, a.handleExecute)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "alive",
			"worker_id":      a.cfg.ID,
			"current_load":   a.Load(),
			"max_concurrent": a.cfg.MaxConcurrent,
		})
	})
	return mux
}

// handleExecute accepts a delivery and runs it in the background. A full
// organelle answers 503 so the dispatcher requeues the task.
// POST /task/execute
func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var d domain.Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid delivery: " + err.Error()})
		return
	}
	if d.Task.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delivery has no task id"})
		return
	}
	if a.ctx.Err() != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "organelle shutting down"})
		return
	}
	if !a.reserve() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "organelle at capacity"})
		return
	}

	a.tasks.Add(1)
	go a.run(d.Task)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"task_id":  d.Task.ID,
	})
}

func (a *Agent) reserve() bool {
	for {
		cur := a.load.Load()
		if cur >= int64(a.cfg.MaxConcurrent) {
			return false
		}
		if a.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (a *Agent) run(task domain.Task) {
	defer a.tasks.Done()
	defer a.load.Add(-1)

	logger := a.logger.With("task_id", task.ID, "kind", task.Kind)
	a.report(task.ID, domain.TaskStatusRunning, nil, "")

	ctx := a.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := a.handler.Handle(ctx, task)
	if err != nil {
		logger.Warn("task failed", "error", err, "duration", time.Since(start))
		a.report(task.ID, domain.TaskStatusFailed, result, err.Error())
		return
	}
	logger.Info("task completed", "duration", time.Since(start))
	a.report(task.ID, domain.TaskStatusCompleted, result, "")
}

// report uses its own deadline so a cancelled task can still report FAILED.
func (a *Agent) report(id domain.TaskID, status domain.TaskStatus, result json.RawMessage, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReportTimeout)
	defer cancel()
	if err := a.client.ReportStatus(ctx, id, a.cfg.ID, status, result, errMsg); err != nil {
		a.logger.Error("failed to report task status", "task_id", id, "status", status, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
