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

// Package journal persists one row per step execution. The single write
// primitive is an upsert keyed by step_run_id: "begin step" inserts a
// working row, "finish step" updates the same key with the terminal status
// and responses.
package journal

import (
	"context"
	"time"
)

// Step-run statuses. A row moves working -> terminal and never back.
const (
	StatusWorking       = "working"
	StatusInputRequired = "input-required"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCanceled      = "canceled"
)

// Record is one step execution row.
type Record struct {
	StepRunID     string
	WorkflowRunID string
	WorkflowID    string
	StepID        string

	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time

	// WorkflowState is the scratchpad snapshot at write time.
	WorkflowState map[string]interface{}

	// SuccessResponse and ErrorResponse are mutually exclusive payloads
	// describing how the step ended.
	SuccessResponse map[string]interface{}
	ErrorResponse   map[string]interface{}

	CreatedBy string
	UpdatedBy string
}

// PendingStep is the resume point of a run: the most recent row still
// waiting on user input.
type PendingStep struct {
	WorkflowID    string
	StepID        string
	StepRunID     string
	WorkflowState map[string]interface{}
}

// Store is the persistence surface the engine writes through.
type Store interface {
	// Upsert inserts the row for rec.StepRunID or, on conflict, updates
	// the mutable columns (status, completed_at, workflow_state,
	// responses, updated audit fields). Idempotent per step_run_id.
	Upsert(ctx context.Context, rec *Record) error

	// FindInputRequired returns the most recent input-required row for a
	// workflow run, or nil when the run has no pending step.
	FindInputRequired(ctx context.Context, workflowRunID string) (*PendingStep, error)

	// Close releases the underlying connections.
	Close() error
}
