package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/changesync/internal/ir"
)

// Position places a node relative to a target node.
type Position string

const (
	FirstChild Position = "first-child"
	LastChild  Position = "last-child"
	Left       Position = "left"
	Right      Position = "right"
)

func parsePosition(p ir.IRObject, fallback Position) (Position, error) {
	s, err := optionalString(p, "position")
	if err != nil {
		return "", err
	}
	if s == "" {
		return fallback, nil
	}
	pos := Position(s)
	switch pos {
	case FirstChild, LastChild, Left, Right:
		return pos, nil
	default:
		return "", invalidf("unknown position %q", s)
	}
}

// Node is a row of the content_nodes table.
type Node struct {
	ID           string
	ChannelID    string
	ParentID     string
	Kind         string
	Title        string
	Description  string
	License      string
	Extra        ir.IRObject
	SortOrder    int64
	SourceNodeID string
}

const nodeColumns = `id, channel_id, parent_id, kind, title, description, license, extra, sort_order, source_node_id`

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var (
		n      Node
		parent sql.NullString
		extra  string
	)
	if err := row.Scan(&n.ID, &n.ChannelID, &parent, &n.Kind, &n.Title, &n.Description,
		&n.License, &extra, &n.SortOrder, &n.SourceNodeID); err != nil {
		return Node{}, err
	}
	n.ParentID = parent.String
	obj, err := ir.UnmarshalPayload([]byte(extra))
	if err != nil {
		return Node{}, fmt.Errorf("node %s extra: %w", n.ID, err)
	}
	n.Extra = obj
	return n, nil
}

func readNode(ctx context.Context, q querier, id string) (Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM content_nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, notFound("content node", id)
	}
	if err != nil {
		return Node{}, fmt.Errorf("read node %s: %w", id, err)
	}
	return n, nil
}

// ReadNode returns a content node.
func (s *Store) ReadNode(ctx context.Context, id string) (Node, error) {
	return readNode(ctx, s.db, id)
}

// Children returns the children of parent ordered by sort_order.
func (s *Store) Children(ctx context.Context, parent string) ([]Node, error) {
	return children(ctx, s.db, parent, "")
}

func children(ctx context.Context, q querier, parent, exclude string) ([]Node, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM content_nodes
		WHERE parent_id = ? AND id <> ?
		ORDER BY sort_order ASC, id COLLATE BINARY ASC
	`, parent, exclude)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", parent, err)
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// subtree returns root and all its descendants, parents before children.
func subtree(ctx context.Context, q querier, root string) ([]Node, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE tree(id, depth) AS (
			SELECT id, 0 FROM content_nodes WHERE id = ?
			UNION ALL
			SELECT n.id, tree.depth + 1 FROM content_nodes n JOIN tree ON n.parent_id = tree.id
		)
		SELECT `+prefixed("n.", nodeColumns)+`
		FROM tree JOIN content_nodes n ON n.id = tree.id
		ORDER BY tree.depth ASC, n.sort_order ASC, n.id COLLATE BINARY ASC
	`, root)
	if err != nil {
		return nil, fmt.Errorf("query subtree of %s: %w", root, err)
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func prefixed(prefix, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	out = append(out, prefix...)
	for i := 0; i < len(columns); i++ {
		out = append(out, columns[i])
		if columns[i] == ' ' && i > 0 && columns[i-1] == ',' {
			out = append(out, prefix...)
		}
	}
	return string(out)
}

func (s *Store) applyNode(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	id, err := requireString(c.Payload, "id")
	if err != nil {
		return err
	}

	switch c.Kind {
	case ir.KindCreate:
		return createNode(ctx, tx, id, c)
	case ir.KindUpdate:
		m, err := mods(c.Payload)
		if err != nil {
			return err
		}
		if _, err := nodeInScope(ctx, tx, id, c); err != nil {
			return err
		}
		return updateNodes(ctx, tx, []string{id}, m)
	case ir.KindDelete:
		if _, err := nodeInScope(ctx, tx, id, c); errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM content_nodes WHERE id = ?`, id)
		return err
	case ir.KindMove:
		return moveNode(ctx, tx, id, c)
	case ir.KindCopy:
		return copyNode(ctx, tx, id, c)
	case ir.KindUpdateDescendants:
		m, err := mods(c.Payload)
		if err != nil {
			return err
		}
		if _, err := nodeInScope(ctx, tx, id, c); err != nil {
			return err
		}
		nodes, err := subtree(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return notFound("content node", id)
		}
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		return updateNodes(ctx, tx, ids, m)
	default:
		return unsupported(c)
	}
}

func createNode(ctx context.Context, tx *sql.Tx, id string, c ir.Change) error {
	p := c.Payload
	parent, err := optionalString(p, "parent")
	if err != nil {
		return err
	}
	kind, err := optionalString(p, "kind")
	if err != nil {
		return err
	}
	if kind == "" {
		kind = "topic"
	}
	title, err := optionalString(p, "title")
	if err != nil {
		return err
	}
	description, err := optionalString(p, "description")
	if err != nil {
		return err
	}
	license, err := optionalString(p, "license")
	if err != nil {
		return err
	}
	extra := "{}"
	if _, present := p["extra"]; present {
		v, err := columnValue("extra", nodeFields["extra"], p["extra"])
		if err != nil {
			return err
		}
		extra = v.(string)
	}

	var order int64
	if parent != "" {
		if _, err := nodeInScope(ctx, tx, parent, c); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sort_order), 0) + 1 FROM content_nodes WHERE parent_id = ?
		`, parent).Scan(&order); err != nil {
			return fmt.Errorf("next sort order: %w", err)
		}
	}
	if v, ok := p.Int("sort_order"); ok {
		order = v
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO content_nodes (id, channel_id, parent_id, kind, title, description, license, extra, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, c.ChannelID, nullIfEmpty(parent), kind, title, description, license, extra, order)
	if err != nil {
		return fmt.Errorf("create node %s: %w", id, err)
	}
	return nil
}

func updateNodes(ctx context.Context, tx *sql.Tx, ids []string, m ir.IRObject) error {
	sets, args, err := assignments(m, nodeFields)
	if err != nil {
		return err
	}
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE content_nodes SET `+sets+` WHERE id = ?`, append(slices.Clone(args), id)...)
		if err != nil {
			return fmt.Errorf("update node %s: %w", id, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("content node", id)
		}
	}
	return nil
}

// placement resolves where a node goes: its new parent and its index among
// that parent's other children.
func placement(ctx context.Context, tx *sql.Tx, targetID string, pos Position, moving string) (parent Node, siblings []Node, index int, err error) {
	target, err := readNode(ctx, tx, targetID)
	if err != nil {
		return Node{}, nil, 0, err
	}

	switch pos {
	case FirstChild, LastChild:
		parent = target
	default:
		if target.ParentID == "" {
			return Node{}, nil, 0, invalidf("cannot place a node beside root %q", targetID)
		}
		parent, err = readNode(ctx, tx, target.ParentID)
		if err != nil {
			return Node{}, nil, 0, err
		}
	}

	siblings, err = children(ctx, tx, parent.ID, moving)
	if err != nil {
		return Node{}, nil, 0, err
	}

	switch pos {
	case FirstChild:
		index = 0
	case LastChild:
		index = len(siblings)
	default:
		index = slices.IndexFunc(siblings, func(n Node) bool { return n.ID == targetID })
		if index < 0 {
			return Node{}, nil, 0, invalidf("target %q cannot be its own anchor", targetID)
		}
		if pos == Right {
			index++
		}
	}
	return parent, siblings, index, nil
}

// insertAt renumbers parent's children 1..n with id at index.
func insertAt(ctx context.Context, tx *sql.Tx, parent Node, siblings []Node, index int, id string) error {
	ordered := make([]string, 0, len(siblings)+1)
	for i, n := range siblings {
		if i == index {
			ordered = append(ordered, id)
		}
		ordered = append(ordered, n.ID)
	}
	if index >= len(siblings) {
		ordered = append(ordered, id)
	}

	for i, nid := range ordered {
		if _, err := tx.ExecContext(ctx, `
			UPDATE content_nodes SET parent_id = ?, sort_order = ? WHERE id = ?
		`, parent.ID, int64(i+1), nid); err != nil {
			return fmt.Errorf("renumber %s: %w", nid, err)
		}
	}
	return nil
}

func isAncestorOrSelf(ctx context.Context, tx *sql.Tx, ancestor, node string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE chain(id, parent_id) AS (
			SELECT id, parent_id FROM content_nodes WHERE id = ?
			UNION ALL
			SELECT c.id, c.parent_id FROM content_nodes c JOIN chain ON c.id = chain.parent_id
		)
		SELECT COUNT(*) FROM chain WHERE id = ?
	`, node, ancestor).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ancestor check: %w", err)
	}
	return n > 0, nil
}

func setSubtreeChannel(ctx context.Context, tx *sql.Tx, root, channel string) error {
	if channel == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT ?
			UNION ALL
			SELECT n.id FROM content_nodes n JOIN tree ON n.parent_id = tree.id
		)
		UPDATE content_nodes SET channel_id = ? WHERE id IN (SELECT id FROM tree)
	`, root, channel)
	if err != nil {
		return fmt.Errorf("set channel of subtree %s: %w", root, err)
	}
	return nil
}

func moveNode(ctx context.Context, tx *sql.Tx, id string, c ir.Change) error {
	p := c.Payload
	targetID, err := requireString(p, "target")
	if err != nil {
		return err
	}
	pos, err := parsePosition(p, LastChild)
	if err != nil {
		return err
	}
	if _, err := nodeInScope(ctx, tx, id, c); err != nil {
		return err
	}

	parent, siblings, index, err := placement(ctx, tx, targetID, pos, id)
	if err != nil {
		return err
	}
	if err := reachable(ctx, tx, parent.ChannelID, c, roleEditor); err != nil {
		return err
	}
	cycle, err := isAncestorOrSelf(ctx, tx, id, parent.ID)
	if err != nil {
		return err
	}
	if cycle {
		return invalidf("cannot move %q into its own subtree", id)
	}

	if err := insertAt(ctx, tx, parent, siblings, index, id); err != nil {
		return err
	}
	return setSubtreeChannel(ctx, tx, id, parent.ChannelID)
}

func copyNode(ctx context.Context, tx *sql.Tx, newRoot string, c ir.Change) error {
	p := c.Payload
	source, err := requireString(p, "from_key")
	if err != nil {
		return err
	}
	pos, err := parsePosition(p, Right)
	if err != nil {
		return err
	}
	targetID, err := optionalString(p, "target")
	if err != nil {
		return err
	}
	if targetID == "" {
		targetID = source
	}
	m, err := mods(p)
	if err != nil {
		return err
	}
	var excluded []string
	if _, present := p["excluded_descendants"]; present {
		ids, ok := p.Strings("excluded_descendants")
		if !ok {
			return invalidf("excluded_descendants must be a list of ids")
		}
		excluded = ids
	}

	// A replayed copy finds its root already present.
	if _, err := readNode(ctx, tx, newRoot); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	nodes, err := subtree(ctx, tx, source)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return notFound("content node", source)
	}
	if err := reachable(ctx, tx, nodes[0].ChannelID, c, roleViewer); err != nil {
		return err
	}

	parent, siblings, index, err := placement(ctx, tx, targetID, pos, "")
	if err != nil {
		return err
	}
	if parent.ChannelID != c.ChannelID {
		return invalidf("copy destination %q is outside %s", parent.ID, c.Scope().Key())
	}

	skip := map[string]bool{}
	for _, id := range excluded {
		skip[id] = true
	}
	newIDs := map[string]string{source: newRoot}

	for i, n := range nodes {
		if i > 0 && (skip[n.ID] || skip[n.ParentID]) {
			skip[n.ID] = true
			continue
		}
		newID := newRoot
		newParent := parent.ID
		if i > 0 {
			newID = copiedID(newRoot, n.ID)
			newIDs[n.ID] = newID
			newParent = newIDs[n.ParentID]
		}
		extra, err := ir.MarshalCanonical(n.Extra)
		if err != nil {
			return fmt.Errorf("copy node %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO content_nodes (id, channel_id, parent_id, kind, title, description, license, extra, sort_order, source_node_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, newID, parent.ChannelID, newParent, n.Kind, n.Title, n.Description, n.License,
			string(extra), n.SortOrder, n.ID); err != nil {
			return fmt.Errorf("copy node %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (id, node_id, checksum, preset, file_format, size)
			SELECT ? || '/' || id, ?, checksum, preset, file_format, size FROM files WHERE node_id = ?
		`, newID, newID, n.ID); err != nil {
			return fmt.Errorf("copy files of %s: %w", n.ID, err)
		}
	}

	if err := insertAt(ctx, tx, parent, siblings, index, newRoot); err != nil {
		return err
	}
	if len(m) > 0 {
		return updateNodes(ctx, tx, []string{newRoot}, m)
	}
	return nil
}

// SyncOptions selects what a channel SYNC refreshes from source nodes.
type SyncOptions struct {
	TitlesAndDescriptions bool
	ResourceDetails       bool
	Files                 bool
}

func syncOptions(p ir.IRObject) (SyncOptions, error) {
	var (
		o   SyncOptions
		err error
	)
	if o.TitlesAndDescriptions, err = optionalBool(p, "titles_and_descriptions"); err != nil {
		return o, err
	}
	if o.ResourceDetails, err = optionalBool(p, "resource_details"); err != nil {
		return o, err
	}
	if o.Files, err = optionalBool(p, "files"); err != nil {
		return o, err
	}
	return o, nil
}

// syncChannel refreshes copied nodes in a channel from the nodes they were
// copied from. Nodes whose source no longer exists are left alone.
func syncChannel(ctx context.Context, tx *sql.Tx, channel string, p ir.IRObject) (int, error) {
	if _, err := readChannel(ctx, tx, channel); err != nil {
		return 0, err
	}
	opts, err := syncOptions(p)
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT n.id, n.source_node_id FROM content_nodes n
		JOIN content_nodes src ON src.id = n.source_node_id
		WHERE n.channel_id = ? AND n.source_node_id <> ''
		ORDER BY n.id COLLATE BINARY ASC
	`, channel)
	if err != nil {
		return 0, fmt.Errorf("query synced nodes: %w", err)
	}
	type pair struct{ id, source string }
	var pairs []pair
	for rows.Next() {
		var pr pair
		if err := rows.Scan(&pr.id, &pr.source); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan synced node: %w", err)
		}
		pairs = append(pairs, pr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, pr := range pairs {
		if opts.TitlesAndDescriptions {
			if _, err := tx.ExecContext(ctx, `
				UPDATE content_nodes SET
					title = (SELECT title FROM content_nodes WHERE id = ?),
					description = (SELECT description FROM content_nodes WHERE id = ?)
				WHERE id = ?
			`, pr.source, pr.source, pr.id); err != nil {
				return 0, fmt.Errorf("sync titles of %s: %w", pr.id, err)
			}
		}
		if opts.ResourceDetails {
			if _, err := tx.ExecContext(ctx, `
				UPDATE content_nodes SET
					license = (SELECT license FROM content_nodes WHERE id = ?),
					extra = (SELECT extra FROM content_nodes WHERE id = ?)
				WHERE id = ?
			`, pr.source, pr.source, pr.id); err != nil {
				return 0, fmt.Errorf("sync details of %s: %w", pr.id, err)
			}
		}
		if opts.Files {
			if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE node_id = ?`, pr.id); err != nil {
				return 0, fmt.Errorf("sync files of %s: %w", pr.id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO files (id, node_id, checksum, preset, file_format, size)
				SELECT ? || '/' || id, ?, checksum, preset, file_format, size FROM files WHERE node_id = ?
			`, pr.id, pr.id, pr.source); err != nil {
				return 0, fmt.Errorf("sync files of %s: %w", pr.id, err)
			}
		}
	}
	return len(pairs), nil
}

// nodeInScope loads a node the change is about to touch and checks that it
// belongs to the channel the change is ordered in.
func nodeInScope(ctx context.Context, q querier, id string, c ir.Change) (Node, error) {
	n, err := readNode(ctx, q, id)
	if err != nil {
		return Node{}, err
	}
	if n.ChannelID != c.ChannelID {
		return Node{}, invalidf("content node %q is outside %s", id, c.Scope().Key())
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
