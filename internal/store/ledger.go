package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/changesync/internal/ir"
)

// ErrAllocationFailed is returned when a revision could not be allocated
// after the configured number of retries. The record was not written.
var ErrAllocationFailed = errors.New("revision allocation failed")

// AdmitResult describes the outcome of admitting one change.
type AdmitResult struct {
	// Change is the record as stored, including its server_rev and status.
	Change ir.Change

	// Inserted is false when the id already existed and nothing was written.
	Inserted bool

	// FingerprintMismatch is set when an existing id was re-admitted with
	// different content. The stored record wins.
	FingerprintMismatch bool

	// Attempts is the number of transactions tried.
	Attempts int
}

// AdmitChange durably records a change, allocating its server_rev.
//
// The existence check, the counter increment and the insert run in one
// immediate transaction, so concurrent admitters for the same scope are
// serialized by the database write lock. Re-admitting a known id is a no-op
// that returns the stored record with its original server_rev.
func (s *Store) AdmitChange(ctx context.Context, c ir.Change) (AdmitResult, error) {
	if err := c.Scope().Validate(); err != nil {
		return AdmitResult{}, fmt.Errorf("admit change %s: %w", c.ID, err)
	}
	if c.ID == "" {
		return AdmitResult{}, fmt.Errorf("admit change: empty id")
	}

	payload, err := marshalPayload(c.Payload)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit change %s: %w", c.ID, err)
	}
	fingerprint, err := ir.Fingerprint(c)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit change %s: %w", c.ID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.allocationRetries+1; attempt++ {
		res, err := s.admitOnce(ctx, c, payload, fingerprint)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if !IsBusy(err) && !isUniqueViolation(err) {
			return AdmitResult{}, fmt.Errorf("admit change %s: %w", c.ID, err)
		}
		lastErr = err
		slog.Debug("revision allocation contended",
			"change_id", c.ID,
			"scope", c.Scope().Key(),
			"attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return AdmitResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return AdmitResult{}, fmt.Errorf("admit change %s: %w: %v", c.ID, ErrAllocationFailed, lastErr)
}

func (s *Store) admitOnce(ctx context.Context, c ir.Change, payload, fingerprint string) (AdmitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, storedFingerprint, err := readChangeTx(ctx, tx, c.ID)
	switch {
	case err == nil:
		return AdmitResult{
			Change:              existing,
			Inserted:            false,
			FingerprintMismatch: storedFingerprint != fingerprint,
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return AdmitResult{}, err
	}

	scopeKey := c.Scope().Key()
	var rev int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO scope_revisions (scope_key, last_rev) VALUES (?, 1)
		ON CONFLICT(scope_key) DO UPDATE SET last_rev = last_rev + 1
		RETURNING last_rev
	`, scopeKey).Scan(&rev)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("allocate rev: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes
		(id, scope_key, channel_id, user_id, table_name, kind, payload, fingerprint, created_by_id, server_rev)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		scopeKey,
		nullString(c.ChannelID),
		nullString(c.UserID),
		string(c.Table),
		string(c.Kind),
		payload,
		fingerprint,
		c.CreatedByID,
		rev,
	)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("insert change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdmitResult{}, fmt.Errorf("commit: %w", err)
	}

	stored := c
	stored.ServerRev = rev
	stored.Applied = false
	stored.Errored = false
	stored.Error = ""
	if stored.Payload == nil {
		stored.Payload = ir.IRObject{}
	}
	return AdmitResult{Change: stored, Inserted: true}, nil
}

const changeColumns = `id, channel_id, user_id, table_name, kind, payload, created_by_id, server_rev, applied, errored, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner, extra ...any) (ir.Change, error) {
	var (
		c         ir.Change
		channelID sql.NullString
		userID    sql.NullString
		table     string
		kind      string
		payload   string
	)
	dest := append([]any{
		&c.ID, &channelID, &userID, &table, &kind, &payload,
		&c.CreatedByID, &c.ServerRev, &c.Applied, &c.Errored, &c.Error,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return ir.Change{}, err
	}
	c.ChannelID = channelID.String
	c.UserID = userID.String
	c.Table = ir.Table(table)
	c.Kind = ir.Kind(kind)

	obj, err := unmarshalPayload(payload)
	if err != nil {
		return ir.Change{}, fmt.Errorf("change %s: %w", c.ID, err)
	}
	c.Payload = obj
	return c, nil
}

func readChangeTx(ctx context.Context, tx *sql.Tx, id string) (ir.Change, string, error) {
	var fingerprint string
	row := tx.QueryRowContext(ctx, `
		SELECT `+changeColumns+`, fingerprint
		FROM changes WHERE id = ?
	`, id)
	c, err := scanChange(row, &fingerprint)
	return c, fingerprint, err
}

// ReadChange returns a single change. Returns sql.ErrNoRows if not found.
func (s *Store) ReadChange(ctx context.Context, id string) (ir.Change, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE id = ?`, id)
	return scanChange(row)
}

func collectChanges(rows *sql.Rows) ([]ir.Change, error) {
	defer rows.Close()

	changes := []ir.Change{}
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// ReadChangesSince returns every record in scope with server_rev > afterRev,
// in ascending server_rev order, regardless of author or status.
// Returns an empty slice (not nil) when there is nothing newer.
func (s *Store) ReadChangesSince(ctx context.Context, scope ir.Scope, afterRev int64) ([]ir.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM changes
		WHERE scope_key = ? AND server_rev > ?
		ORDER BY server_rev ASC
	`, scope.Key(), afterRev)
	if err != nil {
		return nil, fmt.Errorf("query changes since: %w", err)
	}
	return collectChanges(rows)
}

// ReadPending returns up to limit unresolved changes authored by actor in
// scope with server_rev > afterRev, in ascending server_rev order.
// limit <= 0 means no limit.
func (s *Store) ReadPending(ctx context.Context, scope ir.Scope, actor string, afterRev int64, limit int) ([]ir.Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM changes
		WHERE scope_key = ? AND created_by_id = ? AND applied = 0 AND errored = 0 AND server_rev > ?
		ORDER BY server_rev ASC
		LIMIT ?
	`, scope.Key(), actor, afterRev, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return collectChanges(rows)
}

// HasPending reports whether actor has unresolved changes in scope.
func (s *Store) HasPending(ctx context.Context, scope ir.Scope, actor string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM changes
			WHERE scope_key = ? AND created_by_id = ? AND applied = 0 AND errored = 0
			LIMIT 1
		)
	`, scope.Key(), actor).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query has pending: %w", err)
	}
	return n > 0, nil
}

// PendingPair is a (scope, actor) with at least one unresolved change.
type PendingPair struct {
	Scope   ir.Scope
	ActorID string
	Count   int
	MinRev  int64
}

// PendingPairs lists every (scope, actor) with unresolved changes, ordered
// by scope key then actor.
func (s *Store) PendingPairs(ctx context.Context) ([]PendingPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, created_by_id, COUNT(*), MIN(server_rev)
		FROM changes
		WHERE applied = 0 AND errored = 0
		GROUP BY scope_key, created_by_id
		ORDER BY scope_key COLLATE BINARY ASC, created_by_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending pairs: %w", err)
	}
	defer rows.Close()

	pairs := []PendingPair{}
	for rows.Next() {
		var (
			key string
			p   PendingPair
		)
		if err := rows.Scan(&key, &p.ActorID, &p.Count, &p.MinRev); err != nil {
			return nil, fmt.Errorf("scan pending pair: %w", err)
		}
		scope, err := ir.ParseScopeKey(key)
		if err != nil {
			return nil, err
		}
		p.Scope = scope
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending pairs: %w", err)
	}
	return pairs, nil
}

// LatestRevs returns the highest allocated server_rev for each scope.
// Scopes with no records map to 0.
func (s *Store) LatestRevs(ctx context.Context, scopes []ir.Scope) (map[string]int64, error) {
	out := make(map[string]int64, len(scopes))
	if len(scopes) == 0 {
		return out, nil
	}

	args := make([]any, len(scopes))
	for i, sc := range scopes {
		out[sc.Key()] = 0
		args[i] = sc.Key()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scopes)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, last_rev FROM scope_revisions
		WHERE scope_key IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest revs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			rev int64
		)
		if err := rows.Scan(&key, &rev); err != nil {
			return nil, fmt.Errorf("scan latest rev: %w", err)
		}
		out[key] = rev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest revs: %w", err)
	}
	return out, nil
}
