package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS tasks (
	id          VARCHAR PRIMARY KEY,
	kind        VARCHAR NOT NULL,
	priority    INTEGER NOT NULL,
	status      VARCHAR NOT NULL,
	worker_id   VARCHAR,
	record      VARCHAR NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP
)`, `
CREATE TABLE IF NOT EXISTS workers (
	id             VARCHAR PRIMARY KEY,
	kind           VARCHAR NOT NULL,
	max_concurrent INTEGER NOT NULL,
	current_load   INTEGER NOT NULL,
	record         VARCHAR NOT NULL,
	last_heartbeat TIMESTAMP NOT NULL,
	expires_at     TIMESTAMP
)`,
}

// Repository persists task records and worker snapshots in a DuckDB file.
// Rows carry an expiry so the table behaves like the Redis keyspace.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository opens (or creates) the database at path and applies the
// schema. An empty path opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Repository{db: db, now: time.Now}, nil
}

// Ensure Repository implements the TaskStore port
var (
	_ ports.TaskStore = (*Repository)(nil)
	_ ports.Purger    = (*Repository)(nil)
)

func (r *Repository) expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: r.now().UTC().Add(ttl), Valid: true}
}

func (r *Repository) PutTask(ctx context.Context, task domain.Task, ttl time.Duration) error {
	record, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	var workerID sql.NullString
	if task.Assignment != nil {
		workerID = sql.NullString{String: string(task.Assignment.WorkerID), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, priority, status, worker_id, record, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status     = excluded.status,
			worker_id  = excluded.worker_id,
			record     = excluded.record,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		string(task.ID),
		string(task.Kind),
		int(task.Priority),
		string(task.Status),
		workerID,
		string(record),
		r.now().UTC(),
		r.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	var record string
	err := r.db.QueryRowContext(ctx, `
		SELECT record FROM tasks
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		string(id), r.now().UTC(),
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("query task: %w", err)
	}

	var task domain.Task
	if err := json.Unmarshal([]byte(record), &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

func (r *Repository) PutWorker(ctx context.Context, w domain.WorkerCapacity, ttl time.Duration) error {
	record, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workers (id, kind, max_concurrent, current_load, record, last_heartbeat, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind           = excluded.kind,
			max_concurrent = excluded.max_concurrent,
			current_load   = excluded.current_load,
			record         = excluded.record,
			last_heartbeat = excluded.last_heartbeat,
			expires_at     = excluded.expires_at`,
		string(w.ID),
		string(w.Kind),
		w.MaxConcurrent,
		w.CurrentLoad,
		string(record),
		w.LastHeartbeat.UTC(),
		r.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose TTL has passed.
func (r *Repository) PurgeExpired(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	var total int64
	for _, table := range []string{"tasks", "workers"} {
		res, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}
