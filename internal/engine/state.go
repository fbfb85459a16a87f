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

package engine

import (
	"fmt"
	"time"
)

// Task states a run moves through. All but TaskWorking are reachable as
// the state of a finished turn.
const (
	TaskWorking       = "working"
	TaskInputRequired = "input-required"
	TaskCompleted     = "completed"
	TaskFailed        = "failed"
	TaskCanceled      = "canceled"
)

// StatusInProgress is the coarse run status surfaced next to the task
// state.
const StatusInProgress = "in_progress"

// State is the mutable run state threaded through handlers. The plan
// fields (StepIDs, NextStepIDs, StartStepID, Steps) are a read-only copy
// of the definition; WorkflowState is the sole scratchpad templates see.
type State struct {
	// Identity
	WorkflowID       string
	WorkflowRunID    string
	WorkflowName     string
	CurrentStepRunID string

	// Plan
	StepIDs      []string
	NextStepIDs  []string
	StartStepID  string
	Steps        []Step
	ExitKeywords []string

	// Inputs for this turn
	Input     string
	InputData map[string]interface{}

	// Scratchpad
	WorkflowState map[string]interface{}

	// Execution status
	TaskState string
	Status    string

	// Routing hint, consumed on use
	GoToStepID string

	IsNewConversation bool

	// Output returned to the caller
	Output map[string]interface{}

	// Caller identity; the token is forwarded to tool calls and never
	// persisted in WorkflowState
	UserID    string
	UserRoles []string
	Token     string

	// Diagnostic
	EventLog []string
}

// SetSummary replaces the output with a one-line summary object.
func (s *State) SetSummary(text string) {
	s.Output = map[string]interface{}{"summary": text}
}

// AddTiming appends a human-readable timing entry to the event log.
func (s *State) AddTiming(label string, elapsed time.Duration) {
	s.EventLog = append(s.EventLog,
		fmt.Sprintf("%s execution time: %.2f seconds", label, elapsed.Seconds()))
}

// StepByID returns the step definition from the plan, or nil.
func (s *State) StepByID(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Terminal reports whether the task state ends the run for this turn.
func (s *State) Terminal() bool {
	switch s.TaskState {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskInputRequired:
		return true
	}
	return false
}
