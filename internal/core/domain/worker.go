package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ID types to prevent stringly-typed confusion
type WorkerID string

// WorkerKind separates ordinary organelles from the privileged desktop cell.
type WorkerKind string

const (
	WorkerKindOrganelle   WorkerKind = "organelle"
	WorkerKindDesktopCell WorkerKind = "desktop-cell"
)

// WorkerCapacity is the registry record for one worker.
type WorkerCapacity struct {
	ID            WorkerID   `json:"id"`
	Kind          WorkerKind `json:"kind"`
	MaxConcurrent int        `json:"max_concurrent"`
	CurrentLoad   int        `json:"current_load"`
	Capabilities  []TaskKind `json:"capabilities"`
	Endpoint      string     `json:"endpoint,omitempty"` // base URL of the worker ingress
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// Privileged reports whether the worker can serve every task kind.
func (w WorkerCapacity) Privileged() bool {
	return w.Kind == WorkerKindDesktopCell
}

// HasCapability reports an explicit declaration, ignoring privilege.
func (w WorkerCapacity) HasCapability(kind TaskKind) bool {
	return slices.Contains(w.Capabilities, kind)
}

// CanServe checks the kind gate only; capacity is checked separately.
func (w WorkerCapacity) CanServe(t Task) bool {
	if w.Privileged() {
		return true
	}
	if t.RequiresDesktop {
		return false
	}
	return w.HasCapability(t.Kind)
}

// HasSpareCapacity reports currentLoad < maxConcurrent.
func (w WorkerCapacity) HasSpareCapacity() bool {
	return w.CurrentLoad < w.MaxConcurrent
}

// Validate checks a registration before it reaches the registry.
func (w WorkerCapacity) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: empty worker id", ErrInvalidCapacity)
	}
	if w.Kind != WorkerKindOrganelle && w.Kind != WorkerKindDesktopCell {
		return fmt.Errorf("%w: unknown worker kind %q", ErrInvalidCapacity, w.Kind)
	}
	if w.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be positive", ErrInvalidCapacity)
	}
	for _, c := range w.Capabilities {
		if _, err := ParseTaskKind(string(c)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCapacity, err)
		}
	}
	return nil
}

// Clone returns a copy with its own capability slice.
func (w WorkerCapacity) Clone() WorkerCapacity {
	cp := w
	cp.Capabilities = slices.Clone(w.Capabilities)
	return cp
}

var (
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrInvalidCapacity  = errors.New("invalid worker capacity")
	ErrNoEligibleWorker = errors.New("no eligible worker")
)

// DeliveryError is returned by a transport when the worker refused or could
// not be reached.
type DeliveryError struct {
	WorkerID   WorkerID
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery to %s failed: status %d", e.WorkerID, e.StatusCode)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.WorkerID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
