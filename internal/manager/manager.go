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

// Package manager orchestrates one workflow turn: resolve the caller's
// identity, decide between fresh start and resume, seed the run state,
// hand it to the engine, and project the terminal state into a reply.
package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/stepflow/internal/catalog"
	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/journal"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/tool"
	"github.com/tombee/stepflow/pkg/errors"
)

// userInfoTimeout bounds the identity lookup.
const userInfoTimeout = 100 * time.Second

// Input is one inbound workflow turn.
type Input struct {
	WorkflowID        string                 `json:"workflow_id"`
	TaskID            string                 `json:"task_id"`
	ContextID         string                 `json:"context_id"`
	Token             string                 `json:"token"`
	Input             string                 `json:"input,omitempty"`
	InputData         map[string]interface{} `json:"input_data,omitempty"`
	IsNewConversation bool                   `json:"is_new_conversation"`
}

// Output is the projection of a terminal run state returned to the
// caller.
type Output struct {
	Output       map[string]interface{} `json:"output"`
	TaskState    string                 `json:"task_state"`
	Status       string                 `json:"status"`
	EventLog     []string               `json:"event_log"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowName string                 `json:"workflow_name"`
}

// Manager coordinates the catalogue, journal, tool server, and engine.
type Manager struct {
	catalog *catalog.Catalog
	journal journal.Store
	engine  *engine.Engine
	tools   tool.Caller
	logger  *slog.Logger
}

// New creates a workflow manager.
func New(cat *catalog.Catalog, store journal.Store, eng *engine.Engine, tools tool.Caller, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		catalog: cat,
		journal: store,
		engine:  eng,
		tools:   tools,
		logger:  logger.With("component", "manager"),
	}
}

// ProcessWorkflow executes one turn of a workflow run.
func (m *Manager) ProcessWorkflow(ctx context.Context, in Input) (*Output, error) {
	userID, roles, err := m.userInfo(ctx, in.Token)
	if err != nil {
		return nil, err
	}

	workflowRunID := in.TaskID
	workflowID := in.WorkflowID
	startStepID := ""
	stepRunID := ""
	var stateData map[string]interface{}
	isNewConversation := true

	// A pending input-required row means this turn resumes a suspended
	// conversation; its snapshot overrides the caller's workflow id.
	pending, err := m.journal.FindInputRequired(ctx, workflowRunID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		startStepID = pending.StepID
		workflowID = pending.WorkflowID
		stepRunID = pending.StepRunID
		stateData = pending.WorkflowState
		isNewConversation = false
	}

	wf, err := m.catalog.GetWorkflow(ctx, workflowID, roles)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}

	if startStepID == "" {
		startStepID = wf.StartStepID()
	}
	m.logger.Info("starting workflow turn",
		log.WorkflowKey, workflowID, log.RunIDKey, workflowRunID,
		"start_step_id", startStepID, "resume", !isNewConversation)

	if stateData == nil {
		stateData = make(map[string]interface{})
	}
	if name, _ := stateData["workflow_name"].(string); name == "" {
		stateData["workflow_name"] = wf.Name
		stateData["workflow_id"] = workflowID
	}

	inputData := in.InputData
	if inputData == nil {
		inputData = make(map[string]interface{})
	}

	state := &engine.State{
		WorkflowID:        workflowID,
		WorkflowRunID:     workflowRunID,
		WorkflowName:      wf.Name,
		CurrentStepRunID:  stepRunID,
		StepIDs:           wf.StepIDs(),
		NextStepIDs:       wf.NextStepIDs(),
		StartStepID:       startStepID,
		Steps:             wf.Steps,
		ExitKeywords:      wf.ExitKeywords,
		Input:             in.Input,
		InputData:         inputData,
		WorkflowState:     stateData,
		TaskState:         engine.TaskWorking,
		Status:            engine.StatusInProgress,
		IsNewConversation: isNewConversation,
		Output:            make(map[string]interface{}),
		UserID:            userID,
		UserRoles:         roles,
		Token:             in.Token,
	}

	state, err = m.engine.Execute(ctx, state)
	if err != nil {
		return nil, err
	}

	return &Output{
		Output:       state.Output,
		TaskState:    state.TaskState,
		Status:       state.Status,
		EventLog:     state.EventLog,
		WorkflowID:   state.WorkflowID,
		WorkflowName: state.WorkflowName,
	}, nil
}

// ListWorkflows returns the workflow headers readable by the caller's
// token.
func (m *Manager) ListWorkflows(ctx context.Context, token string) ([]catalog.Summary, error) {
	_, roles, err := m.userInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.catalog.ListWorkflows(ctx, roles)
}

// userInfo resolves the caller's identity through the tool server.
func (m *Manager) userInfo(ctx context.Context, token string) (string, []string, error) {
	payload, err := m.tools.Call(ctx, tool.Request{
		Name:      "get_user_info",
		Arguments: map[string]interface{}{"token": token},
		Timeout:   userInfoTimeout,
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to resolve user identity")
	}

	output, _ := payload["output"].(map[string]interface{})
	data, _ := output["data"].(map[string]interface{})
	userID, _ := data["userId"].(string)

	var roles []string
	if raw, ok := data["roles"].([]interface{}); ok {
		for _, r := range raw {
			if role, ok := r.(string); ok {
				roles = append(roles, role)
			}
		}
	}

	return userID, roles, nil
}
