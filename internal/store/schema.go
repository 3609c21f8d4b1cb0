package store

import (
	"context"
	"fmt"
	"regexp"
)

// BlankAccessCountTable is the always-empty table used when no access
// counts cover a requested interval.
const BlankAccessCountTable = "blank_access_count_info"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id BIGINT PRIMARY KEY,
		rule_text TEXT NOT NULL,
		state VARCHAR(16) NOT NULL,
		submit_time BIGINT NOT NULL,
		last_check_time BIGINT NOT NULL DEFAULT 0,
		checked_count BIGINT NOT NULL DEFAULT 0,
		commands_generated BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id BIGINT PRIMARY KEY,
		rule_id BIGINT NOT NULL,
		action_type VARCHAR(64) NOT NULL,
		state VARCHAR(16) NOT NULL,
		parameters TEXT NOT NULL,
		generate_time BIGINT NOT NULL,
		state_changed_time BIGINT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		log TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_state ON commands (state, id)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_rule ON commands (rule_id)`,
	`CREATE TABLE IF NOT EXISTS access_count_tables (
		table_name VARCHAR(64) PRIMARY KEY,
		start_time BIGINT NOT NULL,
		end_time BIGINT NOT NULL,
		is_view BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		fid BIGINT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		length BIGINT NOT NULL,
		block_replication INTEGER NOT NULL,
		block_size BIGINT NOT NULL,
		modification_time BIGINT NOT NULL,
		access_time BIGINT NOT NULL,
		is_dir BOOLEAN NOT NULL,
		storage_policy VARCHAR(32) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + BlankAccessCountTable + ` (
		fid BIGINT NOT NULL,
		count BIGINT NOT NULL
	)`,
}

// Migrate creates every table the control plane needs. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", &StatementError{Statement: stmt, Err: err})
		}
	}
	s.logger.Debug("schema migrated", "statements", len(schema))
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is safe to interpolate as a table
// or view name.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// QuoteIdentifier validates name and returns it double-quoted.
func QuoteIdentifier(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("store: invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}
