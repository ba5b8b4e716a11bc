// Package redisstore keeps task records and worker capacity snapshots in
// Redis. Keys expire natively, so no purging is needed.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix   = "task:"
	workerKeyPrefix = "organelle:"
	workerKeySuffix = ":capacity"
	workerIndexKey  = "organelles"
)

func taskKey(id domain.TaskID) string { return taskKeyPrefix + string(id) }

func workerKey(id domain.WorkerID) string { return workerKeyPrefix + string(id) + workerKeySuffix }

type Store struct {
	client *redis.Client
}

var _ ports.TaskStore = (*Store)(nil)

// New connects using a redis:// URL.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func (s *Store) PutTask(ctx context.Context, task domain.Task, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(task.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", taskKey(task.ID), err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get %s: %w", taskKey(id), err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// PutWorker writes the snapshot as a hash and indexes the worker id.
func (s *Store) PutWorker(ctx context.Context, w domain.WorkerCapacity, ttl time.Duration) error {
	caps := make([]string, len(w.Capabilities))
	for i, c := range w.Capabilities {
		caps[i] = string(c)
	}
	fields := map[string]any{
		"kind":           string(w.Kind),
		"max_concurrent": w.MaxConcurrent,
		"current_load":   w.CurrentLoad,
		"capabilities":   strings.Join(caps, ","),
		"endpoint":       w.Endpoint,
		"last_heartbeat": w.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	}

	key := workerKey(w.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		pipe.SAdd(ctx, workerIndexKey, string(w.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
