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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stepflow/internal/jsonpath"
	"github.com/tombee/stepflow/internal/journal"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/metrics"
	"github.com/tombee/stepflow/internal/template"
	"github.com/tombee/stepflow/internal/tool"
	"github.com/tombee/stepflow/pkg/errors"
)

// maxTransitions bounds a single turn so a mis-authored cyclic definition
// cannot spin forever.
const maxTransitions = 256

// Event-log labels per handler.
const (
	labelUserInput     = "User Input Step"
	labelSystemControl = "System Control Step"
	labelFinal         = "Final Step"
)

// handler is the uniform step contract: mutate the state, return an error
// only for faults the run cannot absorb.
type handler func(ctx context.Context, step *Step, state *State) error

// Engine drives a populated run state through its step graph.
type Engine struct {
	evaluator *template.Evaluator
	paths     *jsonpath.Extractor
	tools     tool.Caller
	journal   journal.Store
	logger    *slog.Logger
}

// New creates an execution engine.
func New(tools tool.Caller, store journal.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		evaluator: template.NewEvaluator(),
		paths:     jsonpath.NewExtractor(),
		tools:     tools,
		journal:   store,
		logger:    logger.With("component", "engine"),
	}
}

// Execute runs the state's workflow from its start step until a step
// suspends or terminates the run. The returned state is terminal; the
// error is non-nil only for faults that could not be absorbed into a
// failed terminal (persistence failures, invalid rules).
func (e *Engine) Execute(ctx context.Context, state *State) (*State, error) {
	if len(state.Steps) == 0 {
		return state, &errors.ValidationError{
			Field:   "steps",
			Message: "workflow has no steps",
		}
	}
	if state.StartStepID == "" {
		return state, &errors.ValidationError{
			Field:      "start_step_id",
			Message:    "workflow has no start step",
			Suggestion: "ensure exactly one step is not referenced as another step's next_step_id",
		}
	}

	scope := e.edgeScope(state)

	current := state.StartStepID
	for transitions := 0; ; transitions++ {
		if transitions >= maxTransitions {
			state.TaskState = TaskFailed
			state.SetSummary("Workflow exceeded the maximum number of step transitions")
			return state, fmt.Errorf("workflow %s exceeded %d transitions", state.WorkflowID, maxTransitions)
		}

		step := state.StepByID(current)
		if step == nil {
			state.TaskState = TaskFailed
			state.SetSummary(fmt.Sprintf("Workflow step %s not found", current))
			return state, &errors.NotFoundError{Resource: "step", ID: current}
		}

		if err := e.runStep(ctx, step, state); err != nil {
			return state, err
		}

		next := nextStep(step, state, scope)
		e.logger.Info("step completed",
			log.StepIDKey, step.ID, "task_state", state.TaskState, "next", next)
		if next == "" {
			return state, nil
		}
		current = next
	}
}

// edgeScope returns the step ids eligible as declared successors: the
// suffix of the plan starting at the start step. Steps before the start
// remain reachable as orchestration jump targets only.
func (e *Engine) edgeScope(state *State) map[string]bool {
	ids := state.StepIDs

	start := -1
	for i, id := range ids {
		if id == state.StartStepID {
			start = i
			break
		}
	}
	if start < 0 {
		e.logger.Warn("start step not found in step list, using all steps",
			log.WorkflowKey, state.WorkflowID, "start_step_id", state.StartStepID)
		start = 0
	}

	scope := make(map[string]bool, len(ids)-start)
	for _, id := range ids[start:] {
		scope[id] = true
	}
	return scope
}

// nextStep is the successor decision for a completed step. It is a pure
// function of the step and state except for consuming the routing hint.
func nextStep(step *Step, state *State, scope map[string]bool) string {
	if state.GoToStepID != "" {
		target := state.GoToStepID
		state.GoToStepID = ""
		return target
	}

	switch state.TaskState {
	case TaskInputRequired, TaskFailed, TaskCanceled:
		return ""
	}

	if step.NextStepID != "" && scope[step.NextStepID] {
		return step.NextStepID
	}
	return ""
}

// handlerFor selects the handler and event-log label for a step type.
func (e *Engine) handlerFor(step *Step) (handler, string) {
	switch step.Type {
	case StepTypeUserInput:
		return e.handleUserInput, labelUserInput
	case StepTypeFinalResponse:
		return e.handleFinalResponse, labelFinal
	case StepTypeSystemAction:
		return e.handleSystemAction, labelSystemControl
	default:
		e.logger.Warn("unknown step type, defaulting to system action",
			log.StepIDKey, step.ID, "type", step.Type)
		return e.handleSystemAction, labelSystemControl
	}
}

// runStep journals one handler invocation: a working row before the
// handler, a terminal row after, and a fresh step-run id when the step
// did not suspend. A handler fault produces an error row and propagates.
func (e *Engine) runStep(ctx context.Context, step *Step, state *State) error {
	if state.CurrentStepRunID == "" {
		state.CurrentStepRunID = uuid.NewString()
	}

	fn, label := e.handlerFor(step)
	startedAt := time.Now().UTC()

	begin := &journal.Record{
		StepRunID:     state.CurrentStepRunID,
		WorkflowRunID: state.WorkflowRunID,
		WorkflowID:    state.WorkflowID,
		StepID:        step.ID,
		Status:        journal.StatusWorking,
		StartedAt:     startedAt,
		WorkflowState: snapshot(state.WorkflowState),
		CreatedBy:     "system",
		UpdatedBy:     "system",
	}
	if err := e.journal.Upsert(ctx, begin); err != nil {
		return fmt.Errorf("failed to journal step start: %w", err)
	}
	metrics.RecordJournalWrite(journal.StatusWorking)

	handlerErr := fn(ctx, step, state)
	elapsed := time.Since(startedAt)
	state.AddTiming(label, elapsed)
	metrics.ObserveStepDuration(step.Type, elapsed)

	completedAt := time.Now().UTC()

	if handlerErr != nil {
		e.writeErrorRow(ctx, step, state, startedAt, completedAt, handlerErr)
		metrics.RecordStepExecution(step.Type, journal.StatusFailed)
		return handlerErr
	}

	status, successResp, errorResp := e.finishPayloads(step, state)
	finish := &journal.Record{
		StepRunID:       state.CurrentStepRunID,
		WorkflowRunID:   state.WorkflowRunID,
		WorkflowID:      state.WorkflowID,
		StepID:          step.ID,
		Status:          status,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		WorkflowState:   snapshot(state.WorkflowState),
		SuccessResponse: successResp,
		ErrorResponse:   errorResp,
		CreatedBy:       "system",
		UpdatedBy:       "system",
	}
	if err := e.journal.Upsert(ctx, finish); err != nil {
		return fmt.Errorf("failed to journal step completion: %w", err)
	}
	metrics.RecordJournalWrite(status)
	metrics.RecordStepExecution(step.Type, status)

	// A suspended step keeps its id so the resume writes the same row;
	// every other outcome gets a fresh row next time.
	if state.TaskState != TaskInputRequired {
		state.CurrentStepRunID = uuid.NewString()
	}

	return nil
}

// finishPayloads maps the handler outcome to a journal status and
// response payloads.
func (e *Engine) finishPayloads(step *Step, state *State) (string, map[string]interface{}, map[string]interface{}) {
	switch state.TaskState {
	case TaskFailed:
		state.WorkflowState["execution_phase"] = "FAILED"
		return journal.StatusFailed, nil, map[string]interface{}{
			"error":           state.Output,
			"step_id":         step.ID,
			"workflow_run_id": state.WorkflowRunID,
			"step_run_id":     state.CurrentStepRunID,
		}
	case TaskCanceled:
		state.WorkflowState["execution_phase"] = "CANCELED"
		return journal.StatusCanceled, map[string]interface{}{
			"success":         true,
			"step_completed":  step.ID,
			"workflow_run_id": state.WorkflowRunID,
			"step_run_id":     state.CurrentStepRunID,
			"step_output":     state.Output,
			"status":          journal.StatusCanceled,
		}, nil
	case TaskWorking:
		return journal.StatusWorking, e.successPayload(step, state, journal.StatusWorking), nil
	case TaskInputRequired:
		return journal.StatusInputRequired, e.successPayload(step, state, journal.StatusInputRequired), nil
	default:
		return journal.StatusCompleted, e.successPayload(step, state, journal.StatusCompleted), nil
	}
}

func (e *Engine) successPayload(step *Step, state *State, status string) map[string]interface{} {
	return map[string]interface{}{
		"success":         true,
		"step_completed":  step.ID,
		"next_step":       step.NextStepID,
		"workflow_run_id": state.WorkflowRunID,
		"step_run_id":     state.CurrentStepRunID,
		"step_output":     state.Output,
		"status":          status,
	}
}

// writeErrorRow best-effort journals a handler fault before it
// propagates.
func (e *Engine) writeErrorRow(ctx context.Context, step *Step, state *State, startedAt, completedAt time.Time, handlerErr error) {
	failureMessage := step.FailureMessage
	if failureMessage == "" {
		failureMessage = "Step execution failed"
	}

	errorData := map[string]interface{}{
		"error":           handlerErr.Error(),
		"failure_message": failureMessage,
		"step_id":         step.ID,
		"workflow_run_id": state.WorkflowRunID,
		"step_run_id":     state.CurrentStepRunID,
		"exception_type":  fmt.Sprintf("%T", handlerErr),
	}

	errorState := map[string]interface{}{
		"inputs":              snapshot(state.WorkflowState),
		"status":              TaskFailed,
		"output":              state.Output,
		"step_ids":            state.StepIDs,
		"next_step_ids":       state.NextStepIDs,
		"start_step_id":       state.StartStepID,
		"workflow_id":         state.WorkflowID,
		"workflow_run_id":     state.WorkflowRunID,
		"current_step_run_id": state.CurrentStepRunID,
		"execution_phase":     "ERROR",
		"error_details":       errorData,
	}

	rec := &journal.Record{
		StepRunID:     state.CurrentStepRunID,
		WorkflowRunID: state.WorkflowRunID,
		WorkflowID:    state.WorkflowID,
		StepID:        step.ID,
		Status:        journal.StatusFailed,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
		WorkflowState: errorState,
		ErrorResponse: errorData,
		CreatedBy:     "system",
		UpdatedBy:     "system",
	}
	if err := e.journal.Upsert(ctx, rec); err != nil {
		e.logger.Error("failed to journal step error",
			log.StepRunIDKey, state.CurrentStepRunID, "error", err)
		return
	}
	metrics.RecordJournalWrite(journal.StatusFailed)
}

// snapshot shallow-copies the scratchpad so journal rows do not alias
// later mutations.
func snapshot(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
