package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/changesync/internal/ir"
)

func (s *Store) applyBookmark(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	channel, err := requireString(c.Payload, "channel")
	if err != nil {
		return err
	}
	if c.ChannelID != "" && channel != c.ChannelID {
		return invalidf("bookmark of %q is outside %s", channel, c.Scope().Key())
	}
	user := c.CreatedByID
	if user == "" {
		return invalidf("bookmark has no user")
	}
	if v, _ := optionalString(c.Payload, "user"); v != "" && v != user {
		return invalidf("%s cannot bookmark for %s", user, v)
	}

	switch c.Kind {
	case ir.KindCreate:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bookmarks (user_id, channel_id) VALUES (?, ?) ON CONFLICT DO NOTHING
		`, user, channel)
		if err != nil {
			return fmt.Errorf("create bookmark %s/%s: %w", user, channel, err)
		}
		return nil
	case ir.KindDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE user_id = ? AND channel_id = ?`, user, channel)
		return err
	default:
		return unsupported(c)
	}
}

// applyMembership grants or revokes an editor or viewer role. table is one
// of the two fixed membership tables, never user input.
func (s *Store) applyMembership(ctx context.Context, tx *sql.Tx, c ir.Change, table string) error {
	channel, err := requireString(c.Payload, "channel")
	if err != nil {
		return err
	}
	user, err := requireString(c.Payload, "user")
	if err != nil {
		return err
	}
	if channel != c.ChannelID {
		return invalidf("membership of %q is outside %s", channel, c.Scope().Key())
	}

	switch c.Kind {
	case ir.KindCreate:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (channel_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING
		`, channel, user)
		if err != nil {
			return fmt.Errorf("grant %s %s/%s: %w", table, channel, user, err)
		}
		return nil
	case ir.KindDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE channel_id = ? AND user_id = ?`, channel, user)
		return err
	default:
		return unsupported(c)
	}
}

// Membership describes a user's relationship to a channel.
type Membership struct {
	Exists  bool
	Deleted bool
	Editor  bool
	Viewer  bool
}

// CanRead reports whether the user may see the channel's changes. A channel
// that does not exist yet is open: its CREATE is still in flight.
func (m Membership) CanRead() bool {
	return !m.Exists || m.Editor || m.Viewer
}

// CanWrite reports whether the user may submit changes to the channel.
func (m Membership) CanWrite() bool {
	return !m.Exists || (m.Editor && !m.Deleted)
}

// Membership loads userID's roles in channelID.
func (s *Store) Membership(ctx context.Context, channelID, userID string) (Membership, error) {
	return membership(ctx, s.db, channelID, userID)
}

func membership(ctx context.Context, q querier, channelID, userID string) (Membership, error) {
	var m Membership
	err := q.QueryRowContext(ctx, `
		SELECT deleted,
		       EXISTS (SELECT 1 FROM channel_editors WHERE channel_id = c.id AND user_id = ?),
		       EXISTS (SELECT 1 FROM channel_viewers WHERE channel_id = c.id AND user_id = ?)
		FROM channels c WHERE c.id = ?
	`, userID, userID, channelID).Scan(&m.Deleted, &m.Editor, &m.Viewer)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, nil
	}
	if err != nil {
		return Membership{}, fmt.Errorf("membership %s/%s: %w", channelID, userID, err)
	}
	m.Exists = true
	return m, nil
}

type role int

const (
	roleViewer role = iota
	roleEditor
)

// reachable checks that the author of c may use content of channel from the
// scope c is ordered in: always its own channel, another existing channel
// only with the given role there.
func reachable(ctx context.Context, q querier, channel string, c ir.Change, want role) error {
	if channel == c.ChannelID {
		return nil
	}
	if channel != "" {
		m, err := membership(ctx, q, channel, c.CreatedByID)
		if err != nil {
			return err
		}
		ok := m.Exists && !m.Deleted && m.Editor
		if want == roleViewer {
			ok = m.Exists && (m.Editor || m.Viewer)
		}
		if ok {
			return nil
		}
	}
	return invalidf("%s cannot reach channel %q from %s", c.CreatedByID, channel, c.Scope().Key())
}

// Bookmarks lists the channels a user has bookmarked.
func (s *Store) Bookmarks(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id FROM bookmarks WHERE user_id = ? ORDER BY channel_id COLLATE BINARY ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query bookmarks of %s: %w", userID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
