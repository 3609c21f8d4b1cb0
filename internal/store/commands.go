package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/smart-tier/pkg/types"
)

const commandColumns = `id, rule_id, action_type, state, parameters, generate_time, state_changed_time, result, log`

// CommandFilter narrows ListCommands. Zero values match everything.
type CommandFilter struct {
	RuleID types.RuleID
	State  types.CommandState
	Limit  int
}

// InsertCommands stores commands in one transaction. A command whose id
// already exists is skipped, so re-enqueuing the same batch is harmless.
// It returns the number of rows actually inserted.
func (s *Store) InsertCommands(ctx context.Context, cmds []types.CommandInfo) (int, error) {
	if len(cmds) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		for _, c := range cmds {
			res, err := s.exec(ctx, tx,
				`INSERT INTO commands (`+commandColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO NOTHING`,
				int64(c.ID), int64(c.RuleID), c.ActionType, string(c.State), c.Parameters,
				c.GenerateTime, c.StateChangedTime, c.Result, c.Log)
			if err != nil {
				return fmt.Errorf("store: insert command %d: %w", c.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// ClaimPendingCommands moves up to limit of the oldest PENDING commands to
// RUNNING. A row is claimed only if its conditional update succeeds, so two
// executors never run the same command. The batch commits as a whole: on error
// nothing is claimed and every candidate stays PENDING.
func (s *Store) ClaimPendingCommands(ctx context.Context, limit int, now int64) ([]types.CommandInfo, error) {
	if limit <= 0 {
		return nil, nil
	}
	candidates, err := s.ListCommands(ctx, CommandFilter{State: types.CommandPending, Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var claimed []types.CommandInfo
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		// 重試時重新收集
		claimed = claimed[:0]
		for _, c := range candidates {
			res, err := s.exec(ctx, tx,
				`UPDATE commands SET state = ?, state_changed_time = ? WHERE id = ? AND state = ?`,
				string(types.CommandRunning), now, int64(c.ID), string(types.CommandPending))
			if err != nil {
				return fmt.Errorf("store: claim command %d: %w", c.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			c.State = types.CommandRunning
			c.StateChangedTime = now
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishCommand records the terminal state of a RUNNING command.
func (s *Store) FinishCommand(ctx context.Context, id types.CommandID, state types.CommandState, result, log string, now int64) error {
	if !state.Finished() {
		return fmt.Errorf("store: finish command %d with non-terminal state %s", id, state)
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE commands SET state = ?, state_changed_time = ?, result = ?, log = ?
		 WHERE id = ? AND state = ?`,
		string(state), now, result, log, int64(id), string(types.CommandRunning))
	if err != nil {
		return fmt.Errorf("store: finish command %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("command %d not running: %w", id, ErrStateConflict)
	}
	return nil
}

// GetCommand loads one command.
func (s *Store) GetCommand(ctx context.Context, id types.CommandID) (types.CommandInfo, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, int64(id))
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CommandInfo{}, fmt.Errorf("command %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.CommandInfo{}, fmt.Errorf("store: get command %d: %w", id, err)
	}
	return c, nil
}

// ListCommands returns commands ordered by id.
func (s *Store) ListCommands(ctx context.Context, f CommandFilter) ([]types.CommandInfo, error) {
	var (
		where []string
		args  []any
	)
	if f.RuleID != 0 {
		where = append(where, "rule_id = ?")
		args = append(args, int64(f.RuleID))
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	q := `SELECT ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list commands: %w", err)
	}
	defer rows.Close()

	var out []types.CommandInfo
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCommandsByState returns the number of commands per state.
func (s *Store) CountCommandsByState(ctx context.Context) (map[types.CommandState]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT state, COUNT(*) FROM commands GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("store: count commands: %w", err)
	}
	defer rows.Close()

	out := make(map[types.CommandState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("store: scan count: %w", err)
		}
		out[types.CommandState(state)] = n
	}
	return out, rows.Err()
}

// FailStaleRunning marks RUNNING commands whose state has not changed since
// olderThan as FAILED. It returns the number of commands affected.
func (s *Store) FailStaleRunning(ctx context.Context, olderThan, now int64, reason string) (int64, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE commands SET state = ?, state_changed_time = ?, log = log || ?
		 WHERE state = ? AND state_changed_time <= ?`,
		string(types.CommandFailed), now, reason, string(types.CommandRunning), olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: fail stale commands: %w", err)
	}
	return res.RowsAffected()
}

// DeletePendingCommands removes the PENDING commands generated by a rule.
func (s *Store) DeletePendingCommands(ctx context.Context, rule types.RuleID) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM commands WHERE rule_id = ? AND state = ?`,
		int64(rule), string(types.CommandPending))
	if err != nil {
		return 0, fmt.Errorf("store: delete pending commands of rule %d: %w", rule, err)
	}
	return res.RowsAffected()
}

// MaxCommandID returns the largest stored command id, or 0.
func (s *Store) MaxCommandID(ctx context.Context) (types.CommandID, error) {
	var id sql.NullInt64
	if err := s.queryRow(ctx, s.db, `SELECT MAX(id) FROM commands`).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: max command id: %w", err)
	}
	return types.CommandID(id.Int64), nil
}

func scanCommand(sc scanner) (types.CommandInfo, error) {
	var (
		c          types.CommandInfo
		id, ruleID int64
		state      string
	)
	err := sc.Scan(&id, &ruleID, &c.ActionType, &state, &c.Parameters,
		&c.GenerateTime, &c.StateChangedTime, &c.Result, &c.Log)
	if err != nil {
		return types.CommandInfo{}, err
	}
	c.ID = types.CommandID(id)
	c.RuleID = types.RuleID(ruleID)
	c.State = types.CommandState(state)
	return c, nil
}
