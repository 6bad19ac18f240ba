package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/changesync/internal/ir"
)

// Channel is a row of the channels table.
type Channel struct {
	ID             string
	Name           string
	Description    string
	Language       string
	Thumbnail      string
	Version        int64
	DraftVersion   int64
	Published      bool
	Publishing     bool
	VersionNotes   string
	MainTreeID     string
	StagingTreeID  string
	PreviousTreeID string
	Deleted        bool
	CreatedByID    string
}

func (s *Store) applyChannel(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	id, err := requireString(c.Payload, "id")
	if err != nil {
		return err
	}
	if id != c.ChannelID {
		return invalidf("channel %q is outside %s", id, c.Scope().Key())
	}

	switch c.Kind {
	case ir.KindCreate:
		return createChannel(ctx, tx, id, c)
	case ir.KindUpdate:
		m, err := mods(c.Payload)
		if err != nil {
			return err
		}
		return updateChannel(ctx, tx, id, m)
	case ir.KindDelete:
		_, err := tx.ExecContext(ctx, `UPDATE channels SET deleted = 1 WHERE id = ?`, id)
		return err
	case ir.KindPublish, ir.KindPublishNext:
		return markPublishing(ctx, tx, id, c)
	case ir.KindDeploy:
		return deployChannel(ctx, tx, id, c)
	case ir.KindSync:
		_, err := syncChannel(ctx, tx, id, c.Payload)
		return err
	default:
		return unsupported(c)
	}
}

func createChannel(ctx context.Context, tx *sql.Tx, id string, c ir.Change) error {
	name, err := optionalString(c.Payload, "name")
	if err != nil {
		return err
	}
	description, err := optionalString(c.Payload, "description")
	if err != nil {
		return err
	}
	language, err := optionalString(c.Payload, "language")
	if err != nil {
		return err
	}

	root := RootNodeID(id)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (id, name, description, language, main_tree_id, created_by_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, name, description, language, root, c.CreatedByID); err != nil {
		return fmt.Errorf("create channel %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO content_nodes (id, channel_id, kind, title)
		VALUES (?, ?, 'topic', ?)
	`, root, id, name); err != nil {
		return fmt.Errorf("create channel %s root: %w", id, err)
	}
	if c.CreatedByID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_editors (channel_id, user_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, id, c.CreatedByID); err != nil {
			return fmt.Errorf("create channel %s editor: %w", id, err)
		}
	}
	return nil
}

func updateChannel(ctx context.Context, tx *sql.Tx, id string, m ir.IRObject) error {
	sets, args, err := assignments(m, channelFields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE channels SET `+sets+` WHERE id = ? AND deleted = 0`, append(args, id)...)
	if err != nil {
		return fmt.Errorf("update channel %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("channel", id)
	}
	return nil
}

func markPublishing(ctx context.Context, tx *sql.Tx, id string, c ir.Change) error {
	notes, err := optionalString(c.Payload, "version_notes")
	if err != nil {
		return err
	}

	query := `UPDATE channels SET publishing = 1 WHERE id = ? AND deleted = 0`
	args := []any{id}
	if c.Kind == ir.KindPublish {
		query = `UPDATE channels SET publishing = 1, version_notes = ? WHERE id = ? AND deleted = 0`
		args = []any{notes, id}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("publish channel %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("channel", id)
	}
	return nil
}

func deployChannel(ctx context.Context, tx *sql.Tx, id string, c ir.Change) error {
	ch, err := readChannel(ctx, tx, id)
	if err != nil {
		return err
	}
	if ch.StagingTreeID == "" {
		return invalidf("channel %q has no staging tree to deploy", id)
	}
	if _, err := nodeInScope(ctx, tx, ch.StagingTreeID, c); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE channels
		SET previous_tree_id = main_tree_id, main_tree_id = staging_tree_id, staging_tree_id = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("deploy channel %s: %w", id, err)
	}
	return nil
}

// PublishChannel completes a publish: it bumps the published version (or
// the draft version when next is set) and clears the publishing flag.
// This is the work of the publish task the applier schedules.
func (s *Store) PublishChannel(ctx context.Context, id string, next bool) (Channel, error) {
	query := `UPDATE channels SET version = version + 1, published = 1, publishing = 0 WHERE id = ? AND deleted = 0`
	if next {
		query = `UPDATE channels SET draft_version = draft_version + 1, publishing = 0 WHERE id = ? AND deleted = 0`
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return Channel{}, fmt.Errorf("publish channel %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return Channel{}, err
	}
	if n == 0 {
		return Channel{}, notFound("channel", id)
	}
	return s.ReadChannel(ctx, id)
}

// ClearPublishing resets a channel's publishing flag. The reconciler calls
// it when no publish task for the channel is in flight.
func (s *Store) ClearPublishing(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE channels SET publishing = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("clear publishing %s: %w", id, err)
	}
	return nil
}

// PublishingChannels lists channels whose publishing flag is set.
func (s *Store) PublishingChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM channels WHERE publishing = 1 ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query publishing channels: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadChannel returns a channel, including soft-deleted ones.
func (s *Store) ReadChannel(ctx context.Context, id string) (Channel, error) {
	return readChannel(ctx, s.db, id)
}

func readChannel(ctx context.Context, q querier, id string) (Channel, error) {
	var (
		ch       Channel
		main     sql.NullString
		staging  sql.NullString
		previous sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, description, language, thumbnail, version, draft_version,
		       published, publishing, version_notes, main_tree_id, staging_tree_id,
		       previous_tree_id, deleted, created_by_id
		FROM channels WHERE id = ?
	`, id).Scan(&ch.ID, &ch.Name, &ch.Description, &ch.Language, &ch.Thumbnail,
		&ch.Version, &ch.DraftVersion, &ch.Published, &ch.Publishing, &ch.VersionNotes,
		&main, &staging, &previous, &ch.Deleted, &ch.CreatedByID)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, notFound("channel", id)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("read channel %s: %w", id, err)
	}
	ch.MainTreeID = main.String
	ch.StagingTreeID = staging.String
	ch.PreviousTreeID = previous.String
	return ch, nil
}
