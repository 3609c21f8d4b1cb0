package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChuLiYu/smart-tier/pkg/types"
)

const ruleColumns = `id, rule_text, state, submit_time, last_check_time, checked_count, commands_generated`

// InsertRule persists a new rule.
func (s *Store) InsertRule(ctx context.Context, r types.RuleInfo) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(r.ID), r.Text, string(r.State), r.SubmitTime, r.LastCheckTime, r.NumChecked, r.NumCmdsGen)
	if err != nil {
		return fmt.Errorf("store: insert rule %d: %w", r.ID, err)
	}
	return nil
}

// GetRule loads one rule.
func (s *Store) GetRule(ctx context.Context, id types.RuleID) (types.RuleInfo, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, int64(id))
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RuleInfo{}, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.RuleInfo{}, fmt.Errorf("store: get rule %d: %w", id, err)
	}
	return r, nil
}

// ListRules returns every rule ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]types.RuleInfo, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var out []types.RuleInfo
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRuleState overwrites the state of a rule.
func (s *Store) UpdateRuleState(ctx context.Context, id types.RuleID, state types.RuleState) error {
	res, err := s.exec(ctx, s.db, `UPDATE rules SET state = ? WHERE id = ?`, string(state), int64(id))
	if err != nil {
		return fmt.Errorf("store: update rule %d state: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("rule %d", id))
}

// UpdateRuleStats advances the check counters of a rule in one statement so
// concurrent updates never lose increments.
func (s *Store) UpdateRuleStats(ctx context.Context, id types.RuleID, lastCheck, checkedDelta, cmdsDelta int64) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE rules SET last_check_time = ?, checked_count = checked_count + ?,
			commands_generated = commands_generated + ? WHERE id = ?`,
		lastCheck, checkedDelta, cmdsDelta, int64(id))
	if err != nil {
		return fmt.Errorf("store: update rule %d stats: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("rule %d", id))
}

// MaxRuleID returns the largest allocated rule id, or 0.
func (s *Store) MaxRuleID(ctx context.Context) (types.RuleID, error) {
	var id sql.NullInt64
	if err := s.queryRow(ctx, s.db, `SELECT MAX(id) FROM rules`).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: max rule id: %w", err)
	}
	return types.RuleID(id.Int64), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (types.RuleInfo, error) {
	var (
		r     types.RuleInfo
		id    int64
		state string
	)
	if err := sc.Scan(&id, &r.Text, &state, &r.SubmitTime, &r.LastCheckTime, &r.NumChecked, &r.NumCmdsGen); err != nil {
		return types.RuleInfo{}, err
	}
	r.ID = types.RuleID(id)
	r.State = types.RuleState(state)
	return r, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
