package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/changesync/internal/ir"
)

// TaskKind identifies what a task does.
type TaskKind string

const (
	// TaskApply replays one actor's pending changes in one scope.
	TaskApply TaskKind = "apply"
	// TaskPublish publishes a channel's next version.
	TaskPublish TaskKind = "publish"
	// TaskPublishNext publishes a channel's draft version.
	TaskPublishNext TaskKind = "publish_next"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// ErrTaskNotFound is returned when a task id does not exist or is not in
// the expected state.
var ErrTaskNotFound = errors.New("task not found")

// Task is a unit of deferred work in the broker.
type Task struct {
	ID         string
	Kind       TaskKind
	Scope      ir.Scope
	ActorID    string
	DedupKey   string
	Status     TaskStatus
	WorkerID   string
	Attempts   int
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// DedupKey is the uniqueness key of an active task: kind, scope and actor.
func DedupKey(kind TaskKind, scope ir.Scope, actor string) string {
	return string(kind) + "|" + scope.Key() + "|" + actor
}

// EnqueueTask inserts a queued task unless one with the same dedup key is
// already queued or running. It returns the active task and whether it was
// created by this call.
func (s *Store) EnqueueTask(ctx context.Context, kind TaskKind, scope ir.Scope, actor string) (Task, bool, error) {
	var (
		task    Task
		created bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, created, err = s.EnqueueTaskTx(ctx, tx, kind, scope, actor)
		return err
	})
	if err != nil {
		return Task{}, false, fmt.Errorf("enqueue task: %w", err)
	}
	return task, created, nil
}

// EnqueueTaskTx is EnqueueTask inside an existing transaction. The applier
// uses it so a publish task commits together with the PUBLISH change.
func (s *Store) EnqueueTaskTx(ctx context.Context, tx *sql.Tx, kind TaskKind, scope ir.Scope, actor string) (Task, bool, error) {
	key := DedupKey(kind, scope, actor)
	id := uuid.Must(uuid.NewV7()).String()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, scope_key, actor_id, dedup_key, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?)
		ON CONFLICT DO NOTHING
	`, id, string(kind), scope.Key(), actor, key, s.nowMillis())
	if err != nil {
		return Task{}, false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("rows affected: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE dedup_key = ? AND status IN ('queued', 'running')
	`, key)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, false, fmt.Errorf("read active task: %w", err)
	}
	return task, n > 0, nil
}

const taskColumns = `id, kind, scope_key, actor_id, dedup_key, status, worker_id, attempts, enqueued_at, started_at, finished_at, error`

func scanTask(row rowScanner) (Task, error) {
	var (
		t          Task
		kind       string
		scopeKey   string
		status     string
		workerID   sql.NullString
		enqueuedAt int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &kind, &scopeKey, &t.ActorID, &t.DedupKey, &status,
		&workerID, &t.Attempts, &enqueuedAt, &startedAt, &finishedAt, &t.Error); err != nil {
		return Task{}, err
	}
	scope, err := ir.ParseScopeKey(scopeKey)
	if err != nil {
		return Task{}, err
	}
	t.Kind = TaskKind(kind)
	t.Scope = scope
	t.Status = TaskStatus(status)
	t.WorkerID = workerID.String
	t.EnqueuedAt = time.UnixMilli(enqueuedAt)
	if startedAt.Valid {
		t.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if finishedAt.Valid {
		t.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return t, nil
}

// ClaimTask moves the oldest queued task to running for workerID.
// Returns ErrTaskNotFound when the queue is empty.
func (s *Store) ClaimTask(ctx context.Context, workerID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'running', worker_id = ?, started_at = ?, attempts = attempts + 1
		WHERE seq = (SELECT seq FROM tasks WHERE status = 'queued' ORDER BY seq ASC LIMIT 1)
		RETURNING `+taskColumns,
		workerID, s.nowMillis())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// ClaimTaskByID claims a specific queued task. Inline application uses it
// to run the task it just created.
func (s *Store) ClaimTaskByID(ctx context.Context, id, workerID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'running', worker_id = ?, started_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = 'queued'
		RETURNING `+taskColumns,
		workerID, s.nowMillis(), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("claim task %s: %w", id, err)
	}
	return t, nil
}

// FinishTask marks a running task done, or failed when taskErr is non-nil.
// Either way its dedup slot is released.
func (s *Store) FinishTask(ctx context.Context, id string, taskErr error) error {
	status, msg := TaskDone, ""
	if taskErr != nil {
		status, msg = TaskFailed, taskErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, finished_at = ?, error = ?
		WHERE id = ? AND status = 'running'
	`, string(status), s.nowMillis(), msg, id)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish task %s: %w", id, ErrTaskNotFound)
	}
	return nil
}

// ReadTask returns a task by id.
func (s *Store) ReadTask(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

// ActiveTasks returns queued and running tasks, oldest first. This is the
// broker's in-flight list the reconciler cross-references.
func (s *Store) ActiveTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('queued', 'running')
		ORDER BY seq ASC
	`)
}

// RecentTasks returns the newest limit tasks in any state, newest first.
func (s *Store) RecentTasks(ctx context.Context, limit int) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// ReleaseStaleTasks fails running tasks whose worker has not heartbeated
// since cutoff (or is unknown). The released tasks are returned so the
// caller can re-enqueue their work.
func (s *Store) ReleaseStaleTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	var released []Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE tasks
			SET status = 'failed', finished_at = ?, error = 'worker lost'
			WHERE status = 'running' AND (
				worker_id IS NULL OR NOT EXISTS (
					SELECT 1 FROM workers w
					WHERE w.id = tasks.worker_id AND w.heartbeat_at >= ?
				)
			)
			RETURNING `+taskColumns,
			s.nowMillis(), cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("release stale tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			released = append(released, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if released == nil {
		released = []Task{}
	}
	return released, nil
}
