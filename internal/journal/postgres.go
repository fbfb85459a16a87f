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

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a PostgreSQL journal for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection configuration.
type PostgresConfig struct {
	// ConnectionString is a pgx-compatible DSN.
	ConnectionString string

	// MaxOpenConns limits the connection pool (default 10).
	MaxOpenConns int
}

// NewPostgres opens (and migrates) a PostgreSQL journal.
func NewPostgres(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_run (
			step_run_id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			workflow_state JSONB,
			success_response JSONB,
			error_response JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			created_by TEXT,
			updated_at TIMESTAMPTZ NOT NULL,
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
func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
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

	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC()
	}

	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run (
			step_run_id, workflow_run_id, workflow_id, step_id,
			status, started_at, completed_at,
			workflow_state, success_response, error_response,
			created_at, created_by, updated_at, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (step_run_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			workflow_state = EXCLUDED.workflow_state,
			success_response = EXCLUDED.success_response,
			error_response = EXCLUDED.error_response,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by`,
		rec.StepRunID, rec.WorkflowRunID, rec.WorkflowID, rec.StepID,
		rec.Status, rec.StartedAt.UTC(), completedAt,
		stateJSON, successJSON, errorJSON,
		now, nullString(rec.CreatedBy), now, nullString(rec.UpdatedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step run: %w", err)
	}

	return nil
}

// FindInputRequired implements Store.
func (s *PostgresStore) FindInputRequired(ctx context.Context, workflowRunID string) (*PendingStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_id, step_run_id, workflow_state
		FROM workflow_run
		WHERE workflow_run_id = $1 AND status = $2
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
