package ir

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Table names a target entity type a change applies to.
type Table string

const (
	TableChannel     Table = "channel"
	TableContentNode Table = "contentnode"
	TableFile        Table = "file"
	TableBookmark    Table = "bookmark"
	TableEditorM2M   Table = "editor_m2m"
	TableViewerM2M   Table = "viewer_m2m"
)

// Kind names the operation a change performs.
type Kind string

const (
	KindCreate            Kind = "CREATE"
	KindUpdate            Kind = "UPDATE"
	KindDelete            Kind = "DELETE"
	KindMove              Kind = "MOVE"
	KindCopy              Kind = "COPY"
	KindPublish           Kind = "PUBLISH"
	KindSync              Kind = "SYNC"
	KindDeploy            Kind = "DEPLOY"
	KindUpdateDescendants Kind = "UPDATE_DESCENDANTS"
	KindPublishNext       Kind = "PUBLISH_NEXT"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrUnknownKind  = errors.New("unknown change kind")
	ErrUnsupported  = errors.New("kind not supported for table")
	ErrInvalidScope = errors.New("change must carry exactly one of channel_id or user_id")
)

// supported is the table x kind matrix. Admission rejects any pair not listed.
var supported = map[Table][]Kind{
	TableChannel:     {KindCreate, KindUpdate, KindDelete, KindPublish, KindPublishNext, KindSync, KindDeploy},
	TableContentNode: {KindCreate, KindUpdate, KindDelete, KindMove, KindCopy, KindUpdateDescendants},
	TableFile:        {KindCreate, KindUpdate, KindDelete},
	TableBookmark:    {KindCreate, KindDelete},
	TableEditorM2M:   {KindCreate, KindDelete},
	TableViewerM2M:   {KindCreate, KindDelete},
}

var allKinds = []Kind{
	KindCreate, KindUpdate, KindDelete, KindMove, KindCopy,
	KindPublish, KindSync, KindDeploy, KindUpdateDescendants, KindPublishNext,
}

// Tables returns every known table in a stable order.
func Tables() []Table {
	return []Table{TableChannel, TableContentNode, TableFile, TableBookmark, TableEditorM2M, TableViewerM2M}
}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	t := Table(s)
	if _, ok := supported[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, s)
	}
	return t, nil
}

// ParseKind validates a kind name. Matching is case-sensitive.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !slices.Contains(allKinds, k) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Supports reports whether kind k is valid for table t.
func Supports(t Table, k Kind) bool {
	return slices.Contains(supported[t], k)
}

// IsPublish reports whether the kind schedules a publish task once applied.
func (k Kind) IsPublish() bool {
	return k == KindPublish || k == KindPublishNext
}

// Scope is the ordering domain of a change: a shared channel or a user's
// private data. Exactly one field is set.
type Scope struct {
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ChannelScope returns the scope of a channel.
func ChannelScope(id string) Scope { return Scope{ChannelID: id} }

// UserScope returns the private scope of a user.
func UserScope(id string) Scope { return Scope{UserID: id} }

// Validate enforces that exactly one of ChannelID and UserID is set.
func (s Scope) Validate() error {
	if (s.ChannelID == "") == (s.UserID == "") {
		return ErrInvalidScope
	}
	return nil
}

// IsChannel reports whether this is a channel scope.
func (s Scope) IsChannel() bool { return s.ChannelID != "" }

// ID returns the channel or user id.
func (s Scope) ID() string {
	if s.IsChannel() {
		return s.ChannelID
	}
	return s.UserID
}

// Key is the stable string form used for revision counters, dedup keys and
// topic names: "channel:<id>" or "user:<id>".
func (s Scope) Key() string {
	if s.IsChannel() {
		return "channel:" + s.ChannelID
	}
	return "user:" + s.UserID
}

func (s Scope) String() string { return s.Key() }

// ParseScopeKey is the inverse of Scope.Key.
func ParseScopeKey(key string) (Scope, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("malformed scope key %q", key)
	}
	switch kind {
	case "channel":
		return ChannelScope(id), nil
	case "user":
		return UserScope(id), nil
	default:
		return Scope{}, fmt.Errorf("malformed scope key %q", key)
	}
}

// Change is a durable change record in the ledger.
//
// Records are immutable after admission except for the single transition
// from pending to Applied or Errored.
type Change struct {
	ID          string   `json:"id"`
	ChannelID   string   `json:"channel_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	Table       Table    `json:"table"`
	Kind        Kind     `json:"kind"`
	Payload     IRObject `json:"payload"`
	CreatedByID string   `json:"created_by_id"`
	ServerRev   int64    `json:"server_rev"`
	Applied     bool     `json:"applied"`
	Errored     bool     `json:"errored"`
	Error       string   `json:"error,omitempty"`
}

// Scope returns the ordering scope of the change.
func (c Change) Scope() Scope {
	return Scope{ChannelID: c.ChannelID, UserID: c.UserID}
}

// Pending reports whether the change has not been resolved yet.
func (c Change) Pending() bool {
	return !c.Applied && !c.Errored
}

// Status returns "applied", "errored" or "pending".
func (c Change) Status() string {
	switch {
	case c.Applied:
		return "applied"
	case c.Errored:
		return "errored"
	default:
		return "pending"
	}
}
