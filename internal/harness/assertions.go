package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/store"
)

// validIdentifier guards table and column names interpolated into SQL.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s\n  expected: %s\n  actual: %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertChangeStatus:
			err = assertChangeStatus(ctx, h.store, a)
		case AssertRevisions:
			err = assertRevisions(ctx, h.store, a)
		case AssertBroadcast:
			err = assertBroadcast(result.Deliveries, a)
		case AssertFinalState:
			err = assertFinalState(ctx, h.store, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func assertChangeStatus(ctx context.Context, st *store.Store, a Assertion) error {
	c, err := st.ReadChange(ctx, a.Change)
	if errors.Is(err, sql.ErrNoRows) {
		return &AssertionError{Type: AssertChangeStatus, Expected: fmt.Sprintf("%s %s", a.Change, a.Status), Actual: "not in ledger"}
	}
	if err != nil {
		return err
	}
	if c.Status() != a.Status {
		return &AssertionError{
			Type:     AssertChangeStatus,
			Expected: fmt.Sprintf("%s %s", a.Change, a.Status),
			Actual:   fmt.Sprintf("%s %s (error %q)", a.Change, c.Status(), c.Error),
		}
	}
	return nil
}

func assertRevisions(ctx context.Context, st *store.Store, a Assertion) error {
	scope, err := ir.ParseScopeKey(a.Scope)
	if err != nil {
		return fmt.Errorf("revisions: %w", err)
	}
	changes, err := st.ReadChangesSince(ctx, scope, 0)
	if err != nil {
		return err
	}
	revs := make([]int64, 0, len(changes))
	for _, c := range changes {
		revs = append(revs, c.ServerRev)
	}
	want := a.Revs
	if want == nil {
		want = []int64{}
	}
	if !slices.Equal(want, revs) {
		return &AssertionError{
			Type:     AssertRevisions,
			Expected: fmt.Sprintf("%s revisions %v", a.Scope, want),
			Actual:   fmt.Sprintf("%v", revs),
		}
	}
	return nil
}

func assertBroadcast(deliveries []Delivery, a Assertion) error {
	var ids []string
	for _, d := range deliveries {
		if d.Topic == a.Topic {
			ids = append(ids, d.ChangeID)
		}
	}
	if a.Count != nil && len(ids) != *a.Count {
		return &AssertionError{
			Type:     AssertBroadcast,
			Expected: fmt.Sprintf("%d deliveries to %s", *a.Count, a.Topic),
			Actual:   fmt.Sprintf("%d: %v", len(ids), ids),
		}
	}
	if a.Changes != nil && !slices.Equal(a.Changes, ids) && !(len(a.Changes) == 0 && len(ids) == 0) {
		return &AssertionError{
			Type:     AssertBroadcast,
			Expected: fmt.Sprintf("%s received %v", a.Topic, a.Changes),
			Actual:   fmt.Sprintf("%v", ids),
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of a table matches Where
// and carries the expected values.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}

	query := "SELECT * FROM " + a.Table
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}
	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row not found",
		}
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "multiple rows matched",
		}
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}
	keys := make([]string, 0, len(a.Values))
	for k := range a.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		actual, ok := row[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("columns: %v", columns),
			}
		}
		if !stateValuesEqual(a.Values[key], actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, a.Values[key], a.Values[key]),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actual, actual),
			}
		}
	}
	return nil
}

func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause", key)
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML value with a SQLite column value.
// SQLite returns integers as int64, booleans as 0/1 and text as string or
// []byte.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && s == exp
	case int:
		n, ok := actual.(int64)
		return ok && n == int64(exp)
	case int64:
		n, ok := actual.(int64)
		return ok && n == exp
	case bool:
		switch v := actual.(type) {
		case bool:
			return v == exp
		case int64:
			return (v != 0) == exp
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}
