package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/changesync/internal/ir"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// channelChange creates a minimal channel-scoped change.
func channelChange(id, channel, actor string) ir.Change {
	return ir.Change{
		ID:          id,
		ChannelID:   channel,
		Table:       ir.TableContentNode,
		Kind:        ir.KindUpdate,
		Payload:     ir.IRObject{"id": ir.IRString("n-" + id)},
		CreatedByID: actor,
	}
}

// userChange creates a minimal user-scoped change.
func userChange(id, user string) ir.Change {
	return ir.Change{
		ID:          id,
		UserID:      user,
		Table:       ir.TableBookmark,
		Kind:        ir.KindCreate,
		Payload:     ir.IRObject{"channel": ir.IRString("ch-" + id)},
		CreatedByID: user,
	}
}
