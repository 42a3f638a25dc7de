package store

// SQL query constants, grouped by domain.

const (
	sqlInsertFile = `INSERT INTO files (parent, name, mtime, fingerprint_id)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(parent, name) DO UPDATE SET mtime = excluded.mtime, fingerprint_id = 0`

	sqlInsertDir = `INSERT INTO files (parent, name, mtime, fingerprint_id)
		VALUES (?, ?, 0, 0)
		ON CONFLICT(parent, name) DO UPDATE SET mtime = 0, fingerprint_id = 0`

	sqlUpdateFile = `UPDATE files SET mtime = ?, fingerprint_id = 0
		WHERE parent = ? AND name = ?`

	sqlGetPath = `SELECT mtime, fingerprint_id FROM files WHERE parent = ? AND name = ?`

	sqlListChildFiles = `SELECT name, mtime FROM files WHERE parent = ? AND mtime != 0`

	sqlListChildDirs = `SELECT name FROM files WHERE parent = ? AND mtime = 0`

	sqlDeleteSingle = `DELETE FROM files WHERE parent = ? AND name = ?`

	// sqlDeleteSubtreeSelf removes the row identifying path itself.
	sqlDeleteSubtreeSelf = sqlDeleteSingle

	// sqlDeleteSubtreeDescendants removes every row whose parent is exactly
	// path or lexicographically a descendant directory of path.
	sqlDeleteSubtreeDescendants = `DELETE FROM files WHERE parent = ? OR parent LIKE ? ESCAPE '\'`

	sqlRenameSingle = `UPDATE files SET parent = ?, name = ? WHERE parent = ? AND name = ?`

	// sqlRenameSubtreeDescendants rewrites the parent column of every
	// descendant row, replacing the old_prefix textual prefix with
	// new_prefix.
	sqlRenameSubtreeDescendants = `UPDATE files
		SET parent = ? || SUBSTR(parent, ?)
		WHERE parent = ? OR parent LIKE ? ESCAPE '\'`

	sqlInsertFingerprint = `INSERT INTO hashes (crc, ed2k) VALUES (?, ?)
		ON CONFLICT(crc, ed2k) DO NOTHING`

	sqlGetFingerprintByCRCEd2k = `SELECT id FROM hashes WHERE crc = ? AND ed2k = ?`

	sqlLinkFingerprint = `UPDATE files SET fingerprint_id = ? WHERE parent = ? AND name = ?`

	sqlPendingHashBatch = `SELECT parent, name FROM files
		WHERE mtime != 0 AND fingerprint_id = 0
		LIMIT ?`

	sqlInsertRoot = `INSERT INTO roots (path) VALUES (?)`

	sqlListRoots = `SELECT path FROM roots`

	sqlIsRoot = `SELECT 1 FROM roots WHERE path = ?`
)
