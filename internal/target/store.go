package target

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/changesync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Application errors. A change whose mutation fails with one of these is
// recorded as errored and never retried. Any other error is treated as an
// infrastructure failure.
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalid    = errors.New("invalid change")
	ErrConstraint = errors.New("constraint violation")
)

// IsApplicationError reports whether err means the change itself cannot be
// applied, as opposed to the database being unavailable.
func IsApplicationError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrConstraint)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, id)
}

// classify maps SQLite constraint failures to ErrConstraint.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", ErrConstraint, se)
	}
	return err
}

// Namespaces for deterministic ids the target derives itself.
var (
	rootNamespace = uuid.MustParse("6a1c5b0e-3f47-4c5e-9d0e-4b3c1f8a2d71")
	copyNamespace = uuid.MustParse("0f9e4d2c-8b71-4a36-a5c2-7e1d9b3f6a08")
)

// RootNodeID is the id of the root node created with a channel.
func RootNodeID(channelID string) string {
	return uuid.NewSHA1(rootNamespace, []byte(channelID)).String()
}

// copiedID derives the id of a copied node or file from the copy root and
// the source id, so replaying a COPY produces the same tree.
func copiedID(newRoot, sourceID string) string {
	return uuid.NewSHA1(copyNamespace, []byte(newRoot+"/"+sourceID)).String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the content tree the applier mutates: channels, content nodes,
// files, bookmarks and channel membership.
type Store struct {
	db *sql.DB
}

// Open creates the target tables on db if needed.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("target schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Apply performs the mutation a change describes inside tx. It has the
// signature of store.Mutation.
func (s *Store) Apply(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	if c.Payload == nil {
		c.Payload = ir.IRObject{}
	}
	err := s.dispatch(ctx, tx, c)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) dispatch(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	switch c.Table {
	case ir.TableChannel:
		return s.applyChannel(ctx, tx, c)
	case ir.TableContentNode:
		return s.applyNode(ctx, tx, c)
	case ir.TableFile:
		return s.applyFile(ctx, tx, c)
	case ir.TableBookmark:
		return s.applyBookmark(ctx, tx, c)
	case ir.TableEditorM2M:
		return s.applyMembership(ctx, tx, c, "channel_editors")
	case ir.TableViewerM2M:
		return s.applyMembership(ctx, tx, c, "channel_viewers")
	default:
		return invalidf("unknown table %q", c.Table)
	}
}

func unsupported(c ir.Change) error {
	return invalidf("%s is not supported for %s", c.Kind, c.Table)
}

func requireString(p ir.IRObject, key string) (string, error) {
	v, ok := p.String(key)
	if !ok || v == "" {
		return "", invalidf("payload field %q must be a non-empty string", key)
	}
	return v, nil
}

func optionalString(p ir.IRObject, key string) (string, error) {
	v, present := p[key]
	if !present {
		return "", nil
	}
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRNull:
		return "", nil
	default:
		return "", invalidf("payload field %q must be a string", key)
	}
}

func optionalBool(p ir.IRObject, key string) (bool, error) {
	v, present := p[key]
	if !present {
		return false, nil
	}
	b, ok := v.(ir.IRBool)
	if !ok {
		return false, invalidf("payload field %q must be a boolean", key)
	}
	return bool(b), nil
}

func mods(p ir.IRObject) (ir.IRObject, error) {
	v, present := p["mods"]
	if !present {
		return ir.IRObject{}, nil
	}
	m, ok := v.(ir.IRObject)
	if !ok {
		return nil, invalidf("payload field \"mods\" must be an object")
	}
	return m, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
