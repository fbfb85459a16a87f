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
	"encoding/json"
	"fmt"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/tool"
	"github.com/tombee/stepflow/pkg/errors"
)

// InputsBagKey is the reserved scratchpad sub-key that success_mapping
// extractions are written under.
const InputsBagKey = "_inputs"

// handleSystemAction runs a SYSTEM_ACTION step: resolve the tool
// parameters against the scratchpad, call the tool, and map the reply
// back into the scratchpad.
func (e *Engine) handleSystemAction(ctx context.Context, step *Step, state *State) error {
	sa := step.SystemAction
	if sa == nil {
		return fmt.Errorf("step %s has no system_action_details", step.ID)
	}

	params, err := e.resolveToolParams(sa, state)
	if err != nil {
		return fmt.Errorf("failed to resolve tool parameters for step %s: %w", step.ID, err)
	}

	payload, err := e.tools.Call(ctx, tool.Request{Name: sa.Name, Arguments: params})
	if err != nil {
		var timeoutErr *errors.TimeoutError
		if errors.As(err, &timeoutErr) {
			e.logger.Error("tool call timed out", log.ToolKey, sa.Name, log.StepIDKey, step.ID)
			state.TaskState = TaskFailed
			state.SetSummary(fmt.Sprintf("Tool execution timeout: %s", sa.Name))
			return nil
		}
		e.logger.Error("tool call failed", log.ToolKey, sa.Name, log.StepIDKey, step.ID, "error", err)
		state.TaskState = TaskFailed
		state.SetSummary(err.Error())
		return nil
	}

	if failed, message := e.mappedError(sa, payload); failed {
		e.logger.Error("tool returned error", log.ToolKey, sa.Name, "error", message)
		state.TaskState = TaskFailed
		state.SetSummary(message)
		return nil
	}

	if err := e.applySuccessMapping(sa, payload, state); err != nil {
		return err
	}
	if err := e.applyOutputMapping(sa, payload, state); err != nil {
		return err
	}

	state.TaskState = TaskCompleted
	return nil
}

// resolveToolParams resolves path references in the step's inputs against
// a view of the scratchpad that temporarily includes the caller's token
// and user id. Both keys are removed again before the function returns so
// they are never persisted.
func (e *Engine) resolveToolParams(sa *SystemActionDetails, state *State) (map[string]interface{}, error) {
	if len(sa.Inputs) == 0 {
		return nil, nil
	}

	state.WorkflowState["token"] = state.Token
	state.WorkflowState["user_id"] = state.UserID
	params, err := e.paths.Resolve(sa.Inputs, state.WorkflowState)
	delete(state.WorkflowState, "token")
	delete(state.WorkflowState, "user_id")
	if err != nil {
		return nil, err
	}

	return params, nil
}

// mappedError resolves the step's error_mapping against the tool reply
// and reports whether the reply indicates a failure.
func (e *Engine) mappedError(sa *SystemActionDetails, payload map[string]interface{}) (bool, string) {
	if len(sa.ErrorMapping) == 0 {
		return false, ""
	}

	resolved, err := e.paths.Resolve(pathTree(sa.ErrorMapping), payload)
	if err != nil {
		return false, ""
	}

	if status, _ := resolved["error_status"].(string); status == "error" {
		message, _ := resolved["error_message"].(string)
		if message == "" {
			message = fmt.Sprintf("Tool %s returned error", sa.Name)
		}
		return true, message
	}

	return false, ""
}

// applySuccessMapping extracts values from the tool reply into the
// reserved inputs bag on the scratchpad.
func (e *Engine) applySuccessMapping(sa *SystemActionDetails, payload map[string]interface{}, state *State) error {
	if len(sa.SuccessMapping) == 0 {
		return nil
	}

	bag, _ := state.WorkflowState[InputsBagKey].(map[string]interface{})
	if bag == nil {
		bag = make(map[string]interface{})
	}

	for key, path := range sa.SuccessMapping {
		value, err := e.paths.Extract(payload, path)
		if err != nil {
			return fmt.Errorf("failed to extract %q for success mapping key %q: %w", path, key, err)
		}
		bag[key] = value
	}

	state.WorkflowState[InputsBagKey] = bag
	return nil
}

// applyOutputMapping extracts values from the tool reply into the
// scratchpad. String values are JSON-escaped (without the outer quotes)
// so they can be embedded into later JSON templates verbatim.
func (e *Engine) applyOutputMapping(sa *SystemActionDetails, payload map[string]interface{}, state *State) error {
	for key, path := range sa.OutputMapping {
		value, err := e.paths.Extract(payload, path)
		if err != nil {
			return fmt.Errorf("failed to extract %q for output mapping key %q: %w", path, key, err)
		}

		if str, ok := value.(string); ok {
			value = jsonEscape(str)
		}

		state.WorkflowState[key] = value
	}
	return nil
}

// jsonEscape escapes a string for embedding inside a JSON document,
// stripping the outer quotes that marshaling adds.
func jsonEscape(s string) string {
	data, err := json.Marshal(s)
	if err != nil || len(data) < 2 {
		return s
	}
	return string(data[1 : len(data)-1])
}

// pathTree widens a string->path map so it can be walked by the resolver.
func pathTree(m map[string]string) map[string]interface{} {
	tree := make(map[string]interface{}, len(m))
	for key, path := range m {
		tree[key] = path
	}
	return tree
}
