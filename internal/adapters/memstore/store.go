// Package memstore is the in-process TaskStore used when no durable backend
// is configured. Records expire like they would in Redis.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

var (
	_ ports.TaskStore = (*Store)(nil)
	_ ports.Purger    = (*Store)(nil)
)

type Store struct {
	mu      sync.Mutex
	tasks   map[domain.TaskID]entry[domain.Task]
	workers map[domain.WorkerID]entry[domain.WorkerCapacity]
	now     func() time.Time
}

func New() *Store {
	return &Store{
		tasks:   make(map[domain.TaskID]entry[domain.Task]),
		workers: make(map[domain.WorkerID]entry[domain.WorkerCapacity]),
		now:     time.Now,
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *Store) PutTask(ctx context.Context, task domain.Task, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.tasks[task.ID] = entry[domain.Task]{value: task.Clone(), expiresAt: expiry(now, ttl)}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if ok && e.expired(s.now()) {
		delete(s.tasks, id)
		ok = false
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return e.value.Clone(), nil
}

func (s *Store) PutWorker(ctx context.Context, w domain.WorkerCapacity, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = entry[domain.WorkerCapacity]{value: w.Clone(), expiresAt: expiry(s.now(), ttl)}
	return nil
}

// PurgeExpired drops expired records.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for id, e := range s.tasks {
		if e.expired(now) {
			delete(s.tasks, id)
			n++
		}
	}
	for id, e := range s.workers {
		if e.expired(now) {
			delete(s.workers, id)
			n++
		}
	}
	return n, ctx.Err()
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
