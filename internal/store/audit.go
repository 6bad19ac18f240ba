package store

import (
	"context"
	"fmt"
)

// ScopeAudit summarizes the ledger for one scope.
type ScopeAudit struct {
	ScopeKey   string
	Records    int
	MinRev     int64
	MaxRev     int64
	CounterRev int64
	Applied    int
	Errored    int
	Pending    int
}

// Contiguous reports whether the scope's revisions run 1..CounterRev with no
// holes. Allocation and insert share a transaction, so a hole means the
// ledger was modified outside the store.
func (a ScopeAudit) Contiguous() bool {
	return a.MinRev == 1 && a.MaxRev == a.CounterRev && int64(a.Records) == a.CounterRev
}

// AuditReport is the result of Audit.
type AuditReport struct {
	Scopes     []ScopeAudit
	Violations []string
	Pending    int
	Errored    int
	Applied    int
}

// OK reports whether no invariant violations were found.
func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// Audit checks the ledger invariants:
//   - every scope's revisions are unique and contiguous from 1
//   - each scope counter equals the highest revision handed out
//   - no record is both applied and errored
//   - every resolved record has a resolution sequence and no pending one does
func (s *Store) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{Scopes: []ScopeAudit{}, Violations: []string{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.scope_key, COUNT(*), MIN(c.server_rev), MAX(c.server_rev),
		       COALESCE(r.last_rev, 0),
		       SUM(c.applied), SUM(c.errored),
		       SUM(CASE WHEN c.applied = 0 AND c.errored = 0 THEN 1 ELSE 0 END)
		FROM changes c
		LEFT JOIN scope_revisions r ON r.scope_key = c.scope_key
		GROUP BY c.scope_key
		ORDER BY c.scope_key COLLATE BINARY ASC
	`)
	if err != nil {
		return report, fmt.Errorf("audit: query scopes: %w", err)
	}
	for rows.Next() {
		var a ScopeAudit
		if err := rows.Scan(&a.ScopeKey, &a.Records, &a.MinRev, &a.MaxRev, &a.CounterRev,
			&a.Applied, &a.Errored, &a.Pending); err != nil {
			rows.Close()
			return report, fmt.Errorf("audit: scan scope: %w", err)
		}
		report.Scopes = append(report.Scopes, a)
		report.Applied += a.Applied
		report.Errored += a.Errored
		report.Pending += a.Pending
		if !a.Contiguous() {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"scope %s: %d records, revs %d..%d, counter %d",
				a.ScopeKey, a.Records, a.MinRev, a.MaxRev, a.CounterRev))
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, fmt.Errorf("audit: iterate scopes: %w", err)
	}
	rows.Close()

	checks := []struct {
		query string
		msg   string
	}{
		{`SELECT COUNT(*) FROM changes WHERE applied = 1 AND errored = 1`,
			"%d records are both applied and errored"},
		{`SELECT COUNT(*) FROM changes WHERE (applied = 1 OR errored = 1) AND resolved_seq IS NULL`,
			"%d resolved records have no resolution sequence"},
		{`SELECT COUNT(*) FROM changes WHERE applied = 0 AND errored = 0 AND resolved_seq IS NOT NULL`,
			"%d pending records have a resolution sequence"},
		{`SELECT COUNT(*) FROM scope_revisions r
		  WHERE NOT EXISTS (SELECT 1 FROM changes c WHERE c.scope_key = r.scope_key)`,
			"%d scope counters have no records"},
	}
	for _, c := range checks {
		var n int
		if err := s.db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return report, fmt.Errorf("audit: %w", err)
		}
		if n > 0 {
			report.Violations = append(report.Violations, fmt.Sprintf(c.msg, n))
		}
	}

	return report, nil
}
