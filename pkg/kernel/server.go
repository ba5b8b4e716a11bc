package kernel

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/services"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

//go:embed openapi.yaml
var openapiDoc []byte

type Server struct {
	logger     *slog.Logger
	dispatcher *services.Dispatcher
	eventBus   *services.EventBus
	gatherer   prometheus.Gatherer
	origins    []string
	router     routers.Router
}

// NewServer loads the embedded API document and builds the request router
// used for validation. A nil gatherer serves the default registry.
func NewServer(
	logger *slog.Logger,
	dispatcher *services.Dispatcher,
	eventBus *services.EventBus,
	gatherer prometheus.Gatherer,
	allowedOrigins []string,
) (*Server, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build api router: %w", err)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		logger:     logger,
		dispatcher: dispatcher,
		eventBus:   eventBus,
		gatherer:   gatherer,
		origins:    allowedOrigins,
		router:     router,
	}, nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/status", s.handleReportStatus)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleTaskSSE)
	mux.HandleFunc("GET /v1/events", s.handleEventsSSE)

	mux.HandleFunc("GET /v1/organelles", s.handleListOrganelles)
	mux.HandleFunc("POST /v1/organelles", s.handleRegisterOrganelle)
	mux.HandleFunc("POST /v1/organelles/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/organelles/{id}", s.handleDeregisterOrganelle)

	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.validate(mux))
}

// validate checks requests for documented routes against openapi.yaml.
// Undocumented routes (health, metrics) pass straight through.
func (s *Server) validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := s.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("invalid parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
		if reqErr.Err != nil {
			return "invalid request body: " + reqErr.Err.Error()
		}
		return reqErr.Reason
	}
	return err.Error()
}

// pathParam binds a simple-style path segment the way generated handlers do.
func pathParam[T any](r *http.Request, name string, dest *T) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, r.PathValue(name), dest, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return fmt.Errorf("invalid format for parameter %s: %w", name, err)
	}
	return nil
}

// --- Tasks API ---

type submitTaskRequest struct {
	Kind            string          `json:"kind"`
	Priority        string          `json:"priority,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds  float64         `json:"timeout_seconds,omitempty"`
	Source          string          `json:"source,omitempty"`
	RequiresDesktop bool            `json:"requires_desktop,omitempty"`
}

type submitTaskResponse struct {
	TaskID               domain.TaskID     `json:"task_id"`
	Status               domain.TaskStatus `json:"status"`
	EstimatedWait        string            `json:"estimated_wait"`
	EstimatedWaitSeconds float64           `json:"estimated_wait_seconds"`
}

// taskView adds the task_id alias and human-readable durations to a record.
type taskView struct {
	domain.Task
	TaskID         domain.TaskID `json:"task_id"`
	TimeoutSeconds float64       `json:"timeout_seconds"`
}

func newTaskView(t domain.Task) taskView {
	return taskView{Task: t, TaskID: t.ID, TimeoutSeconds: t.Timeout.Seconds()}
}

// handleSubmitTask queues a new task.
// POST /v1/tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.dispatcher.Submit(r.Context(), services.SubmitRequest{
		Kind:            domain.TaskKind(req.Kind),
		Priority:        priority,
		Payload:         req.Payload,
		Timeout:         time.Duration(req.TimeoutSeconds * float64(time.Second)),
		Source:          req.Source,
		RequiresDesktop: req.RequiresDesktop,
	})
	if err != nil {
		s.writeServiceError(w, "failed to submit task", err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitTaskResponse{
		TaskID:               res.TaskID,
		Status:               res.Status,
		EstimatedWait:        res.EstimatedWait.String(),
		EstimatedWaitSeconds: res.EstimatedWait.Seconds(),
	})
}

// handleGetTask returns a task from memory or the durable store.
// GET /v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	var id domain.TaskID
	if err := pathParam(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.dispatcher.GetStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

type statusReportRequest struct {
	WorkerID domain.WorkerID   `json:"worker_id"`
	Status   domain.TaskStatus `json:"status"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// handleReportStatus applies a worker's RUNNING or terminal report.
// POST /v1/tasks/{id}/status
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	var id domain.TaskID
	if err := pathParam(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req statusReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task, err := s.dispatcher.ReportStatus(r.Context(), services.StatusReport{
		TaskID:   id,
		WorkerID: req.WorkerID,
		Status:   req.Status,
		Result:   req.Result,
		Error:    req.Error,
	})
	if err != nil {
		s.writeServiceError(w, "failed to apply status report", err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

// --- Organelles API ---

type registerRequest struct {
	ID            domain.WorkerID   `json:"id"`
	Kind          domain.WorkerKind `json:"kind"`
	MaxConcurrent int               `json:"max_concurrent"`
	CurrentLoad   int               `json:"current_load"`
	Capabilities  []string          `json:"capabilities"`
	Endpoint      string            `json:"endpoint,omitempty"`
}

// handleRegisterOrganelle inserts or replaces a worker record.
// POST /v1/organelles
func (s *Server) handleRegisterOrganelle(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caps := make([]domain.TaskKind, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		kind, err := domain.ParseTaskKind(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		caps = append(caps, kind)
	}

	rec, err := s.dispatcher.RegisterWorker(r.Context(), domain.WorkerCapacity{
		ID:            req.ID,
		Kind:          req.Kind,
		MaxConcurrent: req.MaxConcurrent,
		CurrentLoad:   req.CurrentLoad,
		Capabilities:  caps,
		Endpoint:      req.Endpoint,
	})
	if err != nil {
		s.writeServiceError(w, "failed to register organelle", err)
		return
	}
	s.logger.Info("organelle registered", "worker_id", rec.ID, "kind", rec.Kind, "max_concurrent", rec.MaxConcurrent)
	writeJSON(w, http.StatusOK, rec)
}

type heartbeatRequest struct {
	CurrentLoad int `json:"current_load"`
}

// handleHeartbeat refreshes liveness. Unknown workers get 404 and must
// re-register.
// POST /v1/organelles/{id}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var id domain.WorkerID
	if err := pathParam(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec, err := s.dispatcher.Heartbeat(r.Context(), id, req.CurrentLoad)
	if err != nil {
		s.writeServiceError(w, "failed to record heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeregisterOrganelle evicts a worker and requeues its tasks.
// DELETE /v1/organelles/{id}
func (s *Server) handleDeregisterOrganelle(w http.ResponseWriter, r *http.Request) {
	var id domain.WorkerID
	if err := pathParam(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.dispatcher.DeregisterWorker(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "failed to deregister organelle", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

// handleListOrganelles returns every registered worker.
// GET /v1/organelles
func (s *Server) handleListOrganelles(w http.ResponseWriter, r *http.Request) {
	workers := s.dispatcher.ListWorkers()
	if workers == nil {
		workers = []domain.WorkerCapacity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organelles": workers,
		"count":      len(workers),
	})
}

// --- Observability API ---

type statsView struct {
	domain.DispatcherStats
	AverageQueueTimeSeconds float64 `json:"average_queue_time_seconds"`
}

// GET /v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	writeJSON(w, http.StatusOK, statsView{
		DispatcherStats:         stats,
		AverageQueueTimeSeconds: stats.AverageQueueTime.Seconds(),
	})
}

// GET /v1/dead-letters
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead := s.dispatcher.DeadLetters()
	views := make([]taskView, 0, len(dead))
	for _, t := range dead {
		views = append(views, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": views,
		"count": len(views),
	})
}

// handleHealth always answers 200; a degraded store shows in the body.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Health(r.Context()))
}

// --- helpers ---

// statusFor maps domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidKind),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidCapacity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotAssignee):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
