package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/changesync/internal/ir"
)

// File is a row of the files table.
type File struct {
	ID         string
	NodeID     string
	Checksum   string
	Preset     string
	FileFormat string
	Size       int64
}

func (s *Store) applyFile(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	id, err := requireString(c.Payload, "id")
	if err != nil {
		return err
	}

	switch c.Kind {
	case ir.KindCreate:
		if err := attachable(ctx, tx, c.Payload, c); err != nil {
			return err
		}
		return createFile(ctx, tx, id, c.Payload)
	case ir.KindUpdate:
		m, err := mods(c.Payload)
		if err != nil {
			return err
		}
		if err := fileInScope(ctx, tx, id, c); err != nil {
			return err
		}
		if err := attachable(ctx, tx, m, c); err != nil {
			return err
		}
		sets, args, err := assignments(m, fileFields)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE files SET `+sets+` WHERE id = ?`, append(args, id)...)
		if err != nil {
			return fmt.Errorf("update file %s: %w", id, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("file", id)
		}
		return nil
	case ir.KindDelete:
		if err := fileInScope(ctx, tx, id, c); errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
		return err
	default:
		return unsupported(c)
	}
}

func createFile(ctx context.Context, tx *sql.Tx, id string, p ir.IRObject) error {
	// Every field except id goes through the same conversion as an update.
	values := map[string]any{}
	for key, col := range fileFields {
		v, present := p[key]
		if !present {
			continue
		}
		val, err := columnValue(key, col, v)
		if err != nil {
			return err
		}
		values[col.name] = val
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (id, node_id, checksum, preset, file_format, size)
		VALUES (?, ?, COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, 0))
	`, id, values["node_id"], values["checksum"], values["preset"], values["file_format"], values["size"])
	if err != nil {
		return fmt.Errorf("create file %s: %w", id, err)
	}
	return nil
}

// fileInScope checks that an existing file hangs off a node of the change's
// channel. A detached file belongs to no channel.
func fileInScope(ctx context.Context, q querier, id string, c ir.Change) error {
	f, err := readFile(ctx, q, id)
	if err != nil {
		return err
	}
	if f.NodeID == "" {
		return nil
	}
	if _, err := nodeInScope(ctx, q, f.NodeID, c); err != nil {
		return fmt.Errorf("file %s: %w", id, err)
	}
	return nil
}

// attachable checks the node a payload attaches a file to. A node that does
// not exist is left to the foreign key.
func attachable(ctx context.Context, q querier, p ir.IRObject, c ir.Change) error {
	node, ok := p.String("contentnode")
	if !ok || node == "" {
		return nil
	}
	if _, err := nodeInScope(ctx, q, node, c); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// ReadFile returns a file row.
func (s *Store) ReadFile(ctx context.Context, id string) (File, error) {
	return readFile(ctx, s.db, id)
}

func readFile(ctx context.Context, q querier, id string) (File, error) {
	var (
		f    File
		node sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, node_id, checksum, preset, file_format, size FROM files WHERE id = ?
	`, id).Scan(&f.ID, &node, &f.Checksum, &f.Preset, &f.FileFormat, &f.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, notFound("file", id)
	}
	if err != nil {
		return File{}, fmt.Errorf("read file %s: %w", id, err)
	}
	f.NodeID = node.String
	return f, nil
}

// NodeFiles lists the files attached to a node.
func (s *Store) NodeFiles(ctx context.Context, nodeID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, checksum, preset, file_format, size FROM files
		WHERE node_id = ? ORDER BY id COLLATE BINARY ASC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query files of %s: %w", nodeID, err)
	}
	defer rows.Close()

	files := []File{}
	for rows.Next() {
		f := File{NodeID: nodeID}
		if err := rows.Scan(&f.ID, &f.Checksum, &f.Preset, &f.FileFormat, &f.Size); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
