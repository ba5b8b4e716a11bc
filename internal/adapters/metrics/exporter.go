package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Exporter adapts ports.Metrics to Prometheus collectors.
type Exporter struct {
	submittedTotal  *prom.CounterVec
	dispatchedTotal *prom.CounterVec
	failedTotal     *prom.CounterVec
	finishedTotal   *prom.CounterVec
	evictedTotal    *prom.CounterVec
	queueWait       *prom.HistogramVec
	queueDepth      prom.Gauge
	workers         prom.Gauge
}

var _ ports.Metrics = (*Exporter)(nil)

// NewExporter creates and registers the dispatcher collectors on reg.
// Registering twice on the same registry reuses the existing collectors.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "aule_dispatcher"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	submitted := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted by Submit.",
	}, []string{"kind", "priority"})
	dispatched := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Tasks delivered to a worker.",
	}, []string{"kind", "worker_kind"})
	failed := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failures_total",
		Help:      "Dispatch cycles that did not deliver a task.",
	}, []string{"kind", "reason"})
	finished := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"kind", "status"})
	evicted := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "workers_evicted_total",
		Help:      "Workers removed from the registry.",
	}, []string{"reason"})
	wait := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_queue_wait_seconds",
		Help:      "Time from submission to assignment.",
		Buckets:   prom.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})
	depth := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting in the queue.",
	})
	workers := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_registered",
		Help:      "Workers currently registered.",
	})

	var err error
	if submitted, err = registerCollector(reg, submitted); err != nil {
		return nil, err
	}
	if dispatched, err = registerCollector(reg, dispatched); err != nil {
		return nil, err
	}
	if failed, err = registerCollector(reg, failed); err != nil {
		return nil, err
	}
	if finished, err = registerCollector(reg, finished); err != nil {
		return nil, err
	}
	if evicted, err = registerCollector(reg, evicted); err != nil {
		return nil, err
	}
	if wait, err = registerCollector(reg, wait); err != nil {
		return nil, err
	}
	if depth, err = registerCollector(reg, depth); err != nil {
		return nil, err
	}
	if workers, err = registerCollector(reg, workers); err != nil {
		return nil, err
	}

	return &Exporter{
		submittedTotal:  submitted,
		dispatchedTotal: dispatched,
		failedTotal:     failed,
		finishedTotal:   finished,
		evictedTotal:    evicted,
		queueWait:       wait,
		queueDepth:      depth,
		workers:         workers,
	}, nil
}

func (e *Exporter) TaskSubmitted(kind domain.TaskKind, priority domain.TaskPriority) {
	e.submittedTotal.WithLabelValues(label(string(kind)), label(priority.String())).Inc()
}

func (e *Exporter) TaskDispatched(kind domain.TaskKind, workerKind domain.WorkerKind) {
	e.dispatchedTotal.WithLabelValues(label(string(kind)), label(string(workerKind))).Inc()
}

func (e *Exporter) TaskQueueWait(kind domain.TaskKind, wait time.Duration) {
	e.queueWait.WithLabelValues(label(string(kind))).Observe(wait.Seconds())
}

func (e *Exporter) DispatchFailed(kind domain.TaskKind, reason string) {
	e.failedTotal.WithLabelValues(label(string(kind)), label(reason)).Inc()
}

func (e *Exporter) TaskFinished(kind domain.TaskKind, status domain.TaskStatus) {
	e.finishedTotal.WithLabelValues(label(string(kind)), label(string(status))).Inc()
}

func (e *Exporter) QueueDepth(depth int) {
	e.queueDepth.Set(float64(depth))
}

func (e *Exporter) WorkersRegistered(count int) {
	e.workers.Set(float64(count))
}

func (e *Exporter) WorkerEvicted(reason string) {
	e.evictedTotal.WithLabelValues(label(reason)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
