package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFingerprint inserts (crc, ed2k) and returns its row id, or the
// existing id if the pair is already present. A unique-constraint
// collision from a concurrent insert is resolved by re-reading the
// existing id.
func (s *Store) UpsertFingerprint(ctx context.Context, crc, ed2k string) (int64, error) {
	res, err := s.fpStmts.insert.ExecContext(ctx, crc, ed2k)
	if err != nil {
		return 0, fmt.Errorf("insert fingerprint %s/%s: %w", crc, ed2k, err)
	}

	if affected, rErr := res.RowsAffected(); rErr == nil && affected > 0 {
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return 0, fmt.Errorf("fingerprint last insert id %s/%s: %w", crc, ed2k, idErr)
		}

		return id, nil
	}

	// Either ON CONFLICT DO NOTHING skipped the insert, or a concurrent
	// writer beat us to it. Either way, read the existing id back.
	var id int64
	row := s.fpStmts.getByCRCEd2k.QueryRowContext(ctx, crc, ed2k)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("fingerprint %s/%s vanished after upsert", crc, ed2k)
		}

		return 0, fmt.Errorf("re-read fingerprint %s/%s: %w", crc, ed2k, err)
	}

	return id, nil
}

// Link sets path's fingerprint_id to id. Returns rows_affected; it is not
// an error for the row to have vanished (rows_affected=0), since the
// caller's row may have been deleted or modified while hashing was
// in flight.
func (s *Store) Link(ctx context.Context, path string, id int64) (int64, error) {
	parent, name := splitPath(path)

	res, err := s.fpStmts.link.ExecContext(ctx, id, parent, name)
	if err != nil {
		return 0, fmt.Errorf("link %s -> %d: %w", path, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("link rows affected %s: %w", path, err)
	}

	return affected, nil
}

// PendingHashBatch returns at most limit absolute paths whose row is a
// file (mtime != 0) and whose fingerprint_id is 0.
func (s *Store) PendingHashBatch(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.fpStmts.pendingBatch.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("pending hash batch: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var parent, name string
		if err := rows.Scan(&parent, &name); err != nil {
			return nil, fmt.Errorf("scan pending hash row: %w", err)
		}

		paths = append(paths, joinPath(parent, name))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending hash batch: %w", err)
	}

	return paths, nil
}
