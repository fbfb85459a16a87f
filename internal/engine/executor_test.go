package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepflow/internal/journal"
	"github.com/tombee/stepflow/internal/tool"
	"github.com/tombee/stepflow/pkg/errors"
)

// memJournal is an in-memory journal.Store recording every upsert.
type memJournal struct {
	rows    map[string]journal.Record
	history []journal.Record
}

func newMemJournal() *memJournal {
	return &memJournal{rows: make(map[string]journal.Record)}
}

func (m *memJournal) Upsert(_ context.Context, rec *journal.Record) error {
	m.rows[rec.StepRunID] = *rec
	m.history = append(m.history, *rec)
	return nil
}

func (m *memJournal) FindInputRequired(_ context.Context, workflowRunID string) (*journal.PendingStep, error) {
	for i := len(m.history) - 1; i >= 0; i-- {
		rec := m.history[i]
		if rec.WorkflowRunID == workflowRunID && m.rows[rec.StepRunID].Status == journal.StatusInputRequired {
			row := m.rows[rec.StepRunID]
			return &journal.PendingStep{
				WorkflowID:    row.WorkflowID,
				StepID:        row.StepID,
				StepRunID:     row.StepRunID,
				WorkflowState: row.WorkflowState,
			}, nil
		}
	}
	return nil, nil
}

func (m *memJournal) Close() error { return nil }

// fakeCaller scripts tool replies.
type fakeCaller struct {
	payload map[string]interface{}
	err     error

	gotName string
	gotArgs map[string]interface{}
	calls   int
}

func (f *fakeCaller) Call(_ context.Context, req tool.Request) (map[string]interface{}, error) {
	f.calls++
	f.gotName = req.Name
	f.gotArgs = req.Arguments
	return f.payload, f.err
}

func promptWorkflow() []Step {
	return []Step{
		{
			ID:         "A",
			Type:       StepTypeUserInput,
			NextStepID: "B",
			UserInteraction: &UserInteraction{
				UserMessage:      "Please provide a value for {{ workflow_name }}",
				ExpectedDataKeys: []string{"expected_key"},
			},
		},
		{
			ID:   "B",
			Type: StepTypeFinalResponse,
			UserInteraction: &UserInteraction{
				UserMessage: "Done with {{ expected_key }}",
			},
		},
	}
}

func newState(steps []Step) *State {
	ids := make([]string, len(steps))
	var nextIDs []string
	for i, s := range steps {
		ids[i] = s.ID
		if s.NextStepID != "" {
			nextIDs = append(nextIDs, s.NextStepID)
		}
	}
	return &State{
		WorkflowID:    "wf-1",
		WorkflowRunID: "run-1",
		WorkflowName:  "Order Lookup",
		StepIDs:       ids,
		NextStepIDs:   nextIDs,
		StartStepID:   "A",
		Steps:         steps,
		ExitKeywords:  []string{"quit"},
		WorkflowState: map[string]interface{}{
			"workflow_name": "Order Lookup",
			"workflow_id":   "wf-1",
		},
		TaskState:         TaskWorking,
		Status:            StatusInProgress,
		IsNewConversation: true,
		InputData:         map[string]interface{}{},
		Output:            map[string]interface{}{},
		UserID:            "u-1",
		UserRoles:         []string{"admin"},
		Token:             "tok-123",
	}
}

func TestExecuteFirstTurnPromptsAndSuspends(t *testing.T) {
	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(promptWorkflow())
	state.Input = "hello"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskInputRequired, result.TaskState)
	assert.Equal(t, "Please provide a value for Order Lookup", result.Output["summary"])
	require.NotEmpty(t, result.CurrentStepRunID)

	pending, err := store.FindInputRequired(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "A", pending.StepID)
	assert.Equal(t, result.CurrentStepRunID, pending.StepRunID,
		"a suspended step keeps its step_run_id for the resume")

	assert.Len(t, result.EventLog, 1)
	assert.Regexp(t, `^User Input Step execution time: \d+\.\d{2} seconds$`, result.EventLog[0])
}

func TestExecuteResumeRunsToCompletion(t *testing.T) {
	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(promptWorkflow())
	state.IsNewConversation = false
	state.CurrentStepRunID = "sr-resume"
	state.InputData = map[string]interface{}{"expected_key": "v"}

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, result.TaskState)
	assert.Equal(t, "Done with v", result.Output["summary"])

	// Both A and B journaled; A's row reused the resume step_run_id.
	assert.Equal(t, journal.StatusCompleted, store.rows["sr-resume"].Status)
	assert.NotEqual(t, "sr-resume", result.CurrentStepRunID)
}

func TestExecuteExitKeywordCancels(t *testing.T) {
	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(promptWorkflow())
	state.IsNewConversation = false
	state.Input = "QUIT"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskCanceled, result.TaskState)
	assert.Equal(t, "Workflow wf-1 (Order Lookup) terminated.", result.Output["summary"])
}

func TestExecuteConfirmDeclineCancels(t *testing.T) {
	steps := promptWorkflow()
	steps[0].UserInteraction.ExpectedDataKeys = []string{"confirm_action"}

	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(steps)
	state.IsNewConversation = false
	state.Input = "no"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskCanceled, result.TaskState)
	assert.Equal(t, "Action cancelled by user", result.Output["summary"])
}

func orchestrationWorkflow() []Step {
	return []Step{
		{
			ID:         "A",
			Type:       StepTypeUserInput,
			NextStepID: "B",
			UserInteraction: &UserInteraction{
				ExpectedDataKeys: []string{"selected"},
				OrchestrationRules: []OrchestrationRule{
					{Condition: "{{ selected }}=='x'", GoToStep: "C"},
				},
			},
		},
		{
			ID:   "B",
			Type: StepTypeFinalResponse,
			UserInteraction: &UserInteraction{
				UserMessage: "reached B",
			},
		},
		{
			ID:   "C",
			Type: StepTypeFinalResponse,
			UserInteraction: &UserInteraction{
				UserMessage: "reached C",
			},
		},
	}
}

func TestExecuteOrchestrationRuleRoutesAndCleansVariables(t *testing.T) {
	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(orchestrationWorkflow())
	state.IsNewConversation = false
	state.InputData = map[string]interface{}{"selected": "x"}

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, result.TaskState)
	assert.Equal(t, "reached C", result.Output["summary"])

	// The evaluated rule's variable is nulled in both maps.
	require.Contains(t, result.WorkflowState, "selected")
	assert.Nil(t, result.WorkflowState["selected"])
	assert.Nil(t, result.InputData["selected"])

	// The routing hint was consumed.
	assert.Empty(t, result.GoToStepID)
}

func TestExecuteFirstMatchingRuleWins(t *testing.T) {
	steps := orchestrationWorkflow()
	steps[0].UserInteraction.OrchestrationRules = []OrchestrationRule{
		{Condition: "{{ selected }}=='x'", GoToStep: "C"},
		{Condition: "{{ selected }}=='x'", GoToStep: "B"},
	}

	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(steps)
	state.IsNewConversation = false
	state.InputData = map[string]interface{}{"selected": "x"}

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "reached C", result.Output["summary"])
}

func TestExecuteRuleWithMissingVarsIsSkipped(t *testing.T) {
	steps := orchestrationWorkflow()
	steps[0].UserInteraction.OrchestrationRules = []OrchestrationRule{
		{Condition: "{{ absent_var }}=='x'", GoToStep: "C"},
	}

	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(steps)
	state.IsNewConversation = false
	state.InputData = map[string]interface{}{"selected": "x"}

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	// Skipped rule: no routing, declared next step runs instead.
	assert.Equal(t, "reached B", result.Output["summary"])

	// Skipped rules leave their variables untouched.
	assert.NotContains(t, result.WorkflowState, "absent_var")
}

func systemActionWorkflow(mapping map[string]string) []Step {
	return []Step{
		{
			ID:   "S",
			Type: StepTypeSystemAction,
			SystemAction: &SystemActionDetails{
				Name:          "get_data",
				Inputs:        map[string]interface{}{"q": "$.foo", "auth": "$.token"},
				OutputMapping: mapping,
			},
		},
	}
}

func TestExecuteSystemActionMapsOutput(t *testing.T) {
	caller := &fakeCaller{payload: map[string]interface{}{"r": float64(42)}}
	store := newMemJournal()
	e := New(caller, store, nil)

	state := newState(systemActionWorkflow(map[string]string{"answer": "$.r"}))
	state.StartStepID = "S"
	state.WorkflowState["foo"] = "bar"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, result.TaskState)
	assert.Equal(t, float64(42), result.WorkflowState["answer"])

	// Parameter resolution saw the scratchpad plus the ephemeral token.
	assert.Equal(t, "get_data", caller.gotName)
	assert.Equal(t, "bar", caller.gotArgs["q"])
	assert.Equal(t, "tok-123", caller.gotArgs["auth"])

	// Token and user id never persist in the scratchpad.
	assert.NotContains(t, result.WorkflowState, "token")
	assert.NotContains(t, result.WorkflowState, "user_id")
}

func TestExecuteSystemActionEscapesStringOutputs(t *testing.T) {
	caller := &fakeCaller{payload: map[string]interface{}{
		"msg": "line1\nline2 \"quoted\"",
	}}
	store := newMemJournal()
	e := New(caller, store, nil)

	state := newState(systemActionWorkflow(map[string]string{"msg": "$.msg"}))
	state.StartStepID = "S"
	state.WorkflowState["foo"] = "bar"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, `line1\nline2 \"quoted\"`, result.WorkflowState["msg"])
}

func TestExecuteToolTimeoutFailsRun(t *testing.T) {
	caller := &fakeCaller{err: &errors.TimeoutError{Operation: "tool call get_data"}}
	store := newMemJournal()
	e := New(caller, store, nil)

	state := newState(systemActionWorkflow(nil))
	state.StartStepID = "S"
	state.WorkflowState["foo"] = "bar"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.TaskState)
	assert.Equal(t, "Tool execution timeout: get_data", result.Output["summary"])

	// The terminal journal row records the failure.
	last := store.history[len(store.history)-1]
	assert.Equal(t, journal.StatusFailed, last.Status)
	require.NotNil(t, last.ErrorResponse)
}

func TestExecuteToolErrorMappingFailsRun(t *testing.T) {
	caller := &fakeCaller{payload: map[string]interface{}{
		"error_status":  "error",
		"error_message": "order not found",
	}}
	store := newMemJournal()
	e := New(caller, store, nil)

	steps := systemActionWorkflow(nil)
	steps[0].SystemAction.ErrorMapping = map[string]string{
		"error_status":  "$.error_status",
		"error_message": "$.error_message",
	}

	state := newState(steps)
	state.StartStepID = "S"
	state.WorkflowState["foo"] = "bar"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.TaskState)
	assert.Equal(t, "order not found", result.Output["summary"])
}

func TestExecuteSuccessMappingFillsInputsBag(t *testing.T) {
	caller := &fakeCaller{payload: map[string]interface{}{
		"data": map[string]interface{}{"order_id": "o-42"},
	}}
	store := newMemJournal()
	e := New(caller, store, nil)

	steps := systemActionWorkflow(nil)
	steps[0].SystemAction.SuccessMapping = map[string]string{"order_id": "$.data.order_id"}

	state := newState(steps)
	state.StartStepID = "S"
	state.WorkflowState["foo"] = "bar"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	bag, ok := result.WorkflowState[InputsBagKey].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "o-42", bag["order_id"])
}

func TestExecuteTransitionCap(t *testing.T) {
	caller := &fakeCaller{payload: map[string]interface{}{"ok": true}}
	store := newMemJournal()
	e := New(caller, store, nil)

	steps := []Step{
		{
			ID:           "loop",
			Type:         StepTypeSystemAction,
			NextStepID:   "loop",
			SystemAction: &SystemActionDetails{Name: "noop"},
		},
	}
	state := newState(steps)
	state.StartStepID = "loop"

	result, err := e.Execute(context.Background(), state)
	require.Error(t, err)
	assert.Equal(t, TaskFailed, result.TaskState)
	assert.Equal(t, maxTransitions, caller.calls)
}

func TestExecuteMissingStartStep(t *testing.T) {
	store := newMemJournal()
	e := New(&fakeCaller{}, store, nil)

	state := newState(promptWorkflow())
	state.StartStepID = ""

	_, err := e.Execute(context.Background(), state)
	require.Error(t, err)

	var validationErr *errors.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestExecuteUnknownStepTypeRunsAsSystemAction(t *testing.T) {
	caller := &fakeCaller{payload: map[string]interface{}{"ok": true}}
	store := newMemJournal()
	e := New(caller, store, nil)

	steps := []Step{
		{
			ID:           "X",
			Type:         "MYSTERY",
			SystemAction: &SystemActionDetails{Name: "noop"},
		},
	}
	state := newState(steps)
	state.StartStepID = "X"

	result, err := e.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, result.TaskState)
	assert.Equal(t, 1, caller.calls)
}
