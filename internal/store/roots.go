package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddRoot registers path as a monitored root. Returns ErrDuplicateRoot if
// the path is already registered.
func (s *Store) AddRoot(ctx context.Context, path string) error {
	if _, err := s.rootStmts.insert.ExecContext(ctx, path); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRoot
		}

		return fmt.Errorf("add root %s: %w", path, err)
	}

	return nil
}

// ListRoots returns every registered root path.
func (s *Store) ListRoots(ctx context.Context) ([]string, error) {
	rows, err := s.rootStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan root: %w", err)
		}

		paths = append(paths, path)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}

	return paths, nil
}

// IsRoot reports whether path is registered as a monitored root.
func (s *Store) IsRoot(ctx context.Context, path string) (bool, error) {
	var discard int

	row := s.rootStmts.isRoot.QueryRowContext(ctx, path)
	if err := row.Scan(&discard); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("is root %s: %w", path, err)
	}

	return true, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. modernc.org/sqlite does not export a typed sentinel for this,
// so the driver's message text is matched the way database/sql callers
// commonly do for this driver.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
