// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a SQLite journal for single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a SQLite journal at the given path.
// Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_run (
			step_run_id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			workflow_state TEXT,
			success_response TEXT,
			error_response TEXT,
			created_at TEXT NOT NULL,
			created_by TEXT,
			updated_at TEXT NOT NULL,
			updated_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_run_run_id ON workflow_run(workflow_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_run_status ON workflow_run(workflow_run_id, status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	stateJSON, err := marshalJSON(rec.WorkflowState)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	successJSON, err := marshalJSON(rec.SuccessResponse)
	if err != nil {
		return fmt.Errorf("failed to marshal success response: %w", err)
	}
	errorJSON, err := marshalJSON(rec.ErrorResponse)
	if err != nil {
		return fmt.Errorf("failed to marshal error response: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run (
			step_run_id, workflow_run_id, workflow_id, step_id,
			status, started_at, completed_at,
			workflow_state, success_response, error_response,
			created_at, created_by, updated_at, updated_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_run_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			workflow_state = excluded.workflow_state,
			success_response = excluded.success_response,
			error_response = excluded.error_response,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		rec.StepRunID, rec.WorkflowRunID, rec.WorkflowID, rec.StepID,
		rec.Status, rec.StartedAt.UTC().Format(time.RFC3339Nano), formatTime(rec.CompletedAt),
		stateJSON, successJSON, errorJSON,
		now, nullString(rec.CreatedBy), now, nullString(rec.UpdatedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step run: %w", err)
	}

	return nil
}

// FindInputRequired implements Store.
func (s *SQLiteStore) FindInputRequired(ctx context.Context, workflowRunID string) (*PendingStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_id, step_run_id, workflow_state
		FROM workflow_run
		WHERE workflow_run_id = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1`,
		workflowRunID, StatusInputRequired,
	)

	var pending PendingStep
	var stateJSON sql.NullString
	err := row.Scan(&pending.WorkflowID, &pending.StepID, &pending.StepRunID, &stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending step: %w", err)
	}

	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &pending.WorkflowState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
		}
	}

	return &pending, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalJSON(m map[string]interface{}) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
