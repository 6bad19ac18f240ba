package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"changes", "scope_revisions", "counters", "tasks", "workers"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&n); err != nil {
		t.Fatalf("query failed: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestDSN(t *testing.T) {
	if got := dsn("ledger.db"); got != "ledger.db?_txlock=immediate" {
		t.Errorf("dsn() = %q", got)
	}
	if got := dsn("file:ledger.db?mode=rwc"); got != "file:ledger.db?mode=rwc&_txlock=immediate" {
		t.Errorf("dsn() = %q", got)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "2"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.name, tt.expected); err != nil {
			t.Error(err)
		}
	}
}

func TestSchema_ChangesColumns(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "changes")
	expected := []string{
		"id", "scope_key", "channel_id", "user_id", "table_name", "kind", "payload",
		"fingerprint", "created_by_id", "server_rev", "applied", "errored", "error", "resolved_seq",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("changes table missing column %q", col)
		}
	}
}

func TestSchema_RejectsBothScopes(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO changes (id, scope_key, channel_id, user_id, table_name, kind, payload, fingerprint, created_by_id, server_rev)
		VALUES ('x', 'channel:c', 'c', 'u', 'bookmark', 'CREATE', '{}', 'f', 'u', 1)
	`)
	if err == nil {
		t.Fatal("expected CHECK violation for a record with two scopes")
	}
	if !IsConstraint(err) {
		t.Errorf("expected constraint error, got %v", err)
	}
}

func TestSchema_UniqueScopeRevision(t *testing.T) {
	s := createTestStore(t)

	insert := `
		INSERT INTO changes (id, scope_key, channel_id, table_name, kind, payload, fingerprint, created_by_id, server_rev)
		VALUES (?, 'channel:c', 'c', 'bookmark', 'CREATE', '{}', 'f', 'u', 1)
	`
	if _, err := s.db.Exec(insert, "a"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := s.db.Exec(insert, "b")
	if !isUniqueViolation(err) {
		t.Errorf("expected unique violation, got %v", err)
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("table_info(%s): %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
