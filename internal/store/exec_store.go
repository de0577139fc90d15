package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RuleExecutionStore persists last-execution times for time-elapsed
// rule leaves. It shares the snapshot database file.
type RuleExecutionStore struct {
	db *sql.DB
}

// ExecutionStore opens the rule execution table on the snapshot
// store's database.
func (s *SnapshotStore) ExecutionStore() (*RuleExecutionStore, error) {
	if _, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS rule_executions (
	rule_code TEXT NOT NULL,
	device_model TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	last_execution INTEGER NOT NULL,
	PRIMARY KEY (rule_code, device_model, slave_id)
)`); err != nil {
		return nil, fmt.Errorf("initialize rule execution schema: %w", err)
	}
	return &RuleExecutionStore{db: s.db}, nil
}

// LastExecution returns the recorded time, if any.
func (s *RuleExecutionStore) LastExecution(ctx context.Context, ruleCode, deviceModel string, slaveID int) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_execution FROM rule_executions WHERE rule_code = ? AND device_model = ? AND slave_id = ?`,
		ruleCode, deviceModel, slaveID).Scan(&ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query rule execution %s: %w", ruleCode, err)
	}
	return time.UnixMilli(ms), true, nil
}

// RecordExecution upserts the execution time.
func (s *RuleExecutionStore) RecordExecution(ctx context.Context, ruleCode, deviceModel string, slaveID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_executions (rule_code, device_model, slave_id, last_execution)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(rule_code, device_model, slave_id) DO UPDATE SET
		 last_execution = excluded.last_execution`,
		ruleCode, deviceModel, slaveID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record rule execution %s: %w", ruleCode, err)
	}
	return nil
}
