package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/smart-tier/pkg/types"
)

const fileColumns = `fid, path, length, block_replication, block_size, modification_time, access_time, is_dir, storage_policy`

// UpsertFile inserts or refreshes the row for f.Path.
func (s *Store) UpsertFile(ctx context.Context, f types.FileInfo) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET
			fid = excluded.fid,
			length = excluded.length,
			block_replication = excluded.block_replication,
			block_size = excluded.block_size,
			modification_time = excluded.modification_time,
			access_time = excluded.access_time,
			is_dir = excluded.is_dir,
			storage_policy = excluded.storage_policy`,
		f.FileID, f.Path, f.Length, f.Replication, f.BlockSize,
		f.ModificationTime, f.AccessTime, f.IsDir, f.StoragePolicy)
	if err != nil {
		return fmt.Errorf("store: upsert file %s: %w", f.Path, err)
	}
	return nil
}

// GetFile loads the row for path.
func (s *Store) GetFile(ctx context.Context, path string) (types.FileInfo, error) {
	var f types.FileInfo
	err := s.queryRow(ctx, s.db, `SELECT `+fileColumns+` FROM files WHERE path = ?`, path).
		Scan(&f.FileID, &f.Path, &f.Length, &f.Replication, &f.BlockSize,
			&f.ModificationTime, &f.AccessTime, &f.IsDir, &f.StoragePolicy)
	if errors.Is(err, sql.ErrNoRows) {
		return types.FileInfo{}, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return types.FileInfo{}, fmt.Errorf("store: get file %s: %w", path, err)
	}
	return f, nil
}

// FileIDs maps each known path in paths to its fid. Unknown paths are absent.
func (s *Store) FileIDs(ctx context.Context, paths []string) (map[string]int64, error) {
	out := make(map[string]int64, len(paths))
	for _, p := range paths {
		f, err := s.GetFile(ctx, p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p] = f.FileID
	}
	return out, nil
}

// DeleteFile removes path and, for directories, everything below it.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM files WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		path, subtreePattern(path))
	if err != nil {
		return fmt.Errorf("store: delete file %s: %w", path, err)
	}
	return nil
}

// RenameFile moves path, and every path below it, to newPath.
func (s *Store) RenameFile(ctx context.Context, path, newPath string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `SELECT path FROM files WHERE path = ? OR path LIKE ? ESCAPE '\'`,
			path, subtreePattern(path))
		if err != nil {
			return fmt.Errorf("store: rename %s: %w", path, err)
		}
		var olds []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return fmt.Errorf("store: rename scan: %w", err)
			}
			olds = append(olds, p)
		}
		rows.Close()

		for _, old := range olds {
			renamed := newPath + strings.TrimPrefix(old, path)
			if _, err := s.exec(ctx, tx, `DELETE FROM files WHERE path = ?`, renamed); err != nil {
				return fmt.Errorf("store: rename clear %s: %w", renamed, err)
			}
			if _, err := s.exec(ctx, tx, `UPDATE files SET path = ? WHERE path = ?`, renamed, old); err != nil {
				return fmt.Errorf("store: rename %s: %w", old, err)
			}
		}
		return nil
	})
}

// CountFiles returns the number of rows in the files table.
func (s *Store) CountFiles(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count files: %w", err)
	}
	return n, nil
}

// subtreePattern matches every path strictly below dir. LIKE wildcards in
// dir itself are escaped.
func subtreePattern(dir string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.TrimSuffix(dir, "/")) + "/%"
}
