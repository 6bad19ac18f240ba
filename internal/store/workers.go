package store

import (
	"context"
	"fmt"
	"time"
)

// Worker is a registered task-executing process.
type Worker struct {
	ID          string
	Host        string
	PID         int
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// RegisterWorker records a worker and its first heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, id, host string, pid int) error {
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, host, pid, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET heartbeat_at = excluded.heartbeat_at
	`, id, host, pid, now, now)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes a worker's lease.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET heartbeat_at = ? WHERE id = ?`, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat %s: worker not registered", id)
	}
	return nil
}

// DeregisterWorker removes a worker. Tasks it still holds become stale.
func (s *Store) DeregisterWorker(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deregister worker %s: %w", id, err)
	}
	return nil
}

// PruneWorkers deletes workers whose last heartbeat is before cutoff.
func (s *Store) PruneWorkers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE heartbeat_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune workers: %w", err)
	}
	return res.RowsAffected()
}

// ListWorkers returns registered workers ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, pid, started_at, heartbeat_at
		FROM workers ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	workers := []Worker{}
	for rows.Next() {
		var (
			w         Worker
			started   int64
			heartbeat int64
		)
		if err := rows.Scan(&w.ID, &w.Host, &w.PID, &started, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.StartedAt = time.UnixMilli(started)
		w.HeartbeatAt = time.UnixMilli(heartbeat)
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}
