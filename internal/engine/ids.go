package engine

import "github.com/google/uuid"

// IDGenerator produces worker ids. UUIDv7Generator in production;
// testutil.SequenceIDs where ids end up in golden output.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
