package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/smart-tier/pkg/types"
)

var countFilterRe = regexp.MustCompile(`^\s*(>=|<=|!=|<>|=|>|<)\s*[0-9]+\s*$`)

// ValidCountFilter reports whether f is a comparison usable after
// `HAVING SUM(count)`, for example "> 10".
func ValidCountFilter(f string) bool {
	return f == "" || countFilterRe.MatchString(f)
}

// SumCountsQuery builds a query returning (fid, count) summed over tables.
// A single table with no filter is selected as is.
func SumCountsQuery(tables []string, countFilter string) (string, error) {
	if len(tables) == 0 {
		tables = []string{BlankAccessCountTable}
	}
	if !ValidCountFilter(countFilter) {
		return "", fmt.Errorf("store: invalid count filter %q", countFilter)
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		q, err := QuoteIdentifier(t)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	if len(quoted) == 1 && countFilter == "" {
		return "SELECT fid, count FROM " + quoted[0], nil
	}

	var b strings.Builder
	b.WriteString("SELECT fid, SUM(count) AS count FROM (")
	for i, q := range quoted {
		if i > 0 {
			b.WriteString(" UNION ALL ")
		}
		b.WriteString("SELECT fid, count FROM ")
		b.WriteString(q)
	}
	b.WriteString(") AS u GROUP BY fid")
	if countFilter != "" {
		b.WriteString(" HAVING SUM(count) ")
		b.WriteString(strings.TrimSpace(countFilter))
	}
	return b.String(), nil
}

// CreateAccessCountBucket creates table t, fills it with counts and
// registers it, all in one transaction.
func (s *Store) CreateAccessCountBucket(ctx context.Context, t types.AccessCountTable, counts map[int64]int64) error {
	name, err := QuoteIdentifier(t.Name)
	if err != nil {
		return err
	}
	fids := make([]int64, 0, len(counts))
	for fid := range counts {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE `+name+` (fid BIGINT NOT NULL, count BIGINT NOT NULL)`); err != nil {
			return fmt.Errorf("store: create bucket %s: %w", t.Name, err)
		}
		for _, fid := range fids {
			if _, err := s.exec(ctx, tx, `INSERT INTO `+name+` (fid, count) VALUES (?, ?)`, fid, counts[fid]); err != nil {
				return fmt.Errorf("store: fill bucket %s: %w", t.Name, err)
			}
		}
		return s.registerTable(ctx, tx, t)
	})
}

func (s *Store) registerTable(ctx context.Context, q execer, t types.AccessCountTable) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO access_count_tables (table_name, start_time, end_time, is_view) VALUES (?, ?, ?, ?)`,
		t.Name, t.StartTime, t.EndTime, t.IsView)
	if err != nil {
		return fmt.Errorf("store: register table %s: %w", t.Name, err)
	}
	return nil
}

// ListAccessCountTables returns registered tables overlapping [start, end),
// oldest first.
func (s *Store) ListAccessCountTables(ctx context.Context, start, end int64) ([]types.AccessCountTable, error) {
	if end <= 0 {
		end = math.MaxInt64
	}
	rows, err := s.query(ctx, s.db,
		`SELECT table_name, start_time, end_time, is_view FROM access_count_tables
		 WHERE end_time > ? AND start_time < ? ORDER BY start_time, table_name`, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: list access tables: %w", err)
	}
	defer rows.Close()

	var out []types.AccessCountTable
	for rows.Next() {
		var t types.AccessCountTable
		if err := rows.Scan(&t.Name, &t.StartTime, &t.EndTime, &t.IsView); err != nil {
			return nil, fmt.Errorf("store: scan access table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateScaledView exposes source with every count multiplied by ratio.
// The view is not registered; the caller owns dropping it.
func (s *Store) CreateScaledView(ctx context.Context, view, source string, ratio float64) error {
	v, err := QuoteIdentifier(view)
	if err != nil {
		return err
	}
	src, err := QuoteIdentifier(source)
	if err != nil {
		return err
	}
	if ratio < 0 || ratio > 1 || math.IsNaN(ratio) {
		return fmt.Errorf("store: scale ratio %v out of range", ratio)
	}
	stmt := `CREATE VIEW ` + v + ` AS SELECT fid, CAST(ROUND(count * ` +
		strconv.FormatFloat(ratio, 'f', 6, 64) + `) AS BIGINT) AS count FROM ` + src
	return s.Execute(ctx, stmt)
}

// DropView drops a transient view if it exists.
func (s *Store) DropView(ctx context.Context, view string) error {
	v, err := QuoteIdentifier(view)
	if err != nil {
		return err
	}
	return s.Execute(ctx, `DROP VIEW IF EXISTS `+v)
}

// ViewExists reports whether a view named view is present.
func (s *Store) ViewExists(ctx context.Context, view string) (bool, error) {
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'view' AND name = ?`
	if s.driver == DriverPostgres {
		query = `SELECT COUNT(*) FROM information_schema.views
		 WHERE table_schema = current_schema() AND table_name = ?`
	}
	var n int
	if err := s.queryRow(ctx, s.db, query, view).Scan(&n); err != nil {
		return false, fmt.Errorf("store: lookup view %s: %w", view, err)
	}
	return n > 0, nil
}

// DropAccessCountTable drops a bucket table and its registry row.
func (s *Store) DropAccessCountTable(ctx context.Context, name string) error {
	q, err := QuoteIdentifier(name)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+q); err != nil {
			return fmt.Errorf("store: drop table %s: %w", name, err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM access_count_tables WHERE table_name = ?`, name); err != nil {
			return fmt.Errorf("store: unregister table %s: %w", name, err)
		}
		return nil
	})
}

// MergeAccessCountTables replaces sources with a single summed table target.
func (s *Store) MergeAccessCountTables(ctx context.Context, target types.AccessCountTable, sources []string) error {
	if len(sources) == 0 {
		return nil
	}
	tq, err := QuoteIdentifier(target.Name)
	if err != nil {
		return err
	}
	sum, err := SumCountsQuery(sources, "")
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE `+tq+` AS `+sum); err != nil {
			return fmt.Errorf("store: merge into %s: %w", target.Name, &StatementError{Statement: sum, Err: err})
		}
		if err := s.registerTable(ctx, tx, target); err != nil {
			return err
		}
		for _, src := range sources {
			q, _ := QuoteIdentifier(src)
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+q); err != nil {
				return fmt.Errorf("store: drop merged %s: %w", src, err)
			}
			if _, err := s.exec(ctx, tx, `DELETE FROM access_count_tables WHERE table_name = ?`, src); err != nil {
				return fmt.Errorf("store: unregister merged %s: %w", src, err)
			}
		}
		return nil
	})
}
