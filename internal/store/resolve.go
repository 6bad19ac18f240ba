package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/changesync/internal/ir"
)

const resolvedCounter = "resolved"

// Mutation applies a change to the target inside the ledger transaction.
type Mutation func(ctx context.Context, tx *sql.Tx, c ir.Change) error

// MutationError wraps an error returned by a Mutation, distinguishing target
// failures from ledger failures. The transaction was rolled back.
type MutationError struct {
	ChangeID string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("apply change %s: %v", e.ChangeID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Resolution is the result of resolving one change.
type Resolution struct {
	Change ir.Change

	// Transitioned is false when the change was already resolved and
	// nothing was done.
	Transitioned bool

	// Seq is the position of this transition in the resolution feed.
	Seq int64
}

// ApplyChange runs mutate and marks the change applied in one transaction.
//
// The pending check happens inside the transaction before mutate runs, so
// applying an already applied or errored change is a no-op. If mutate fails
// the transaction is rolled back and a *MutationError is returned; the
// change stays pending.
func (s *Store) ApplyChange(ctx context.Context, id string, mutate Mutation) (Resolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, fmt.Errorf("apply change %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	c, _, err := readChangeTx(ctx, tx, id)
	if err != nil {
		return Resolution{}, fmt.Errorf("apply change %s: read: %w", id, err)
	}
	if !c.Pending() {
		return Resolution{Change: c}, nil
	}

	if err := mutate(ctx, tx, c); err != nil {
		return Resolution{Change: c}, &MutationError{ChangeID: id, Err: err}
	}

	seq, err := nextCounter(ctx, tx, resolvedCounter)
	if err != nil {
		return Resolution{}, fmt.Errorf("apply change %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE changes SET applied = 1, resolved_seq = ?
		WHERE id = ? AND applied = 0 AND errored = 0
	`, seq, id); err != nil {
		return Resolution{}, fmt.Errorf("apply change %s: mark applied: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return Resolution{}, fmt.Errorf("apply change %s: commit: %w", id, err)
	}

	c.Applied = true
	return Resolution{Change: c, Transitioned: true, Seq: seq}, nil
}

// MarkErrored records that a change failed to apply. It is terminal: errored
// changes are never retried. A change that is already resolved is left as is.
func (s *Store) MarkErrored(ctx context.Context, id, message string) (Resolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, fmt.Errorf("mark errored %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	c, _, err := readChangeTx(ctx, tx, id)
	if err != nil {
		return Resolution{}, fmt.Errorf("mark errored %s: read: %w", id, err)
	}
	if !c.Pending() {
		return Resolution{Change: c}, nil
	}

	seq, err := nextCounter(ctx, tx, resolvedCounter)
	if err != nil {
		return Resolution{}, fmt.Errorf("mark errored %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE changes SET errored = 1, error = ?, resolved_seq = ?
		WHERE id = ? AND applied = 0 AND errored = 0
	`, message, seq, id); err != nil {
		return Resolution{}, fmt.Errorf("mark errored %s: update: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return Resolution{}, fmt.Errorf("mark errored %s: commit: %w", id, err)
	}

	c.Errored = true
	c.Error = message
	return Resolution{Change: c, Transitioned: true, Seq: seq}, nil
}

func nextCounter(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", name, err)
	}
	return v, nil
}

// ResolvedChange is an entry of the resolution feed.
type ResolvedChange struct {
	Seq    int64
	Change ir.Change
}

// ReadResolvedSince returns up to limit resolutions with seq > afterSeq in
// feed order. Other processes' workers resolve changes too; tailing this
// feed is how a process learns about them.
func (s *Store) ReadResolvedSince(ctx context.Context, afterSeq int64, limit int) ([]ResolvedChange, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+`, resolved_seq
		FROM changes
		WHERE resolved_seq > ?
		ORDER BY resolved_seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query resolved: %w", err)
	}
	defer rows.Close()

	out := []ResolvedChange{}
	for rows.Next() {
		var seq int64
		c, err := scanChange(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedChange{Seq: seq, Change: c})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolved: %w", err)
	}
	return out, nil
}

// LatestResolvedSeq returns the newest position of the resolution feed.
func (s *Store) LatestResolvedSeq(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, resolvedCounter).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query resolved seq: %w", err)
	}
	return v, nil
}
