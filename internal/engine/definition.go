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

// Package engine executes declarative workflow definitions: a step list is
// turned into a routable graph, each node runs a typed handler against the
// run state, and every handler invocation is journaled.
package engine

// Step types. Unknown types execute as SYSTEM_ACTION after a warning.
const (
	StepTypeUserInput     = "USER_INPUT"
	StepTypeSystemAction  = "SYSTEM_ACTION"
	StepTypeFinalResponse = "FINAL_RESPONSE"
)

// OrchestrationRule routes a run to another step when its condition holds.
// Condition is a template that must render to a boolean expression.
type OrchestrationRule struct {
	Condition string `json:"condition"`
	GoToStep  string `json:"go_to_step"`
}

// UserInteraction is the USER_INPUT step body.
type UserInteraction struct {
	// UserMessage is the prompt template rendered against workflow state.
	UserMessage string `json:"user_message"`

	// ExpectedDataKeys are the keys expected in the user's reply, in order.
	ExpectedDataKeys []string `json:"expected_data_key"`

	// OrchestrationRules are evaluated in order; the first truthy condition
	// wins.
	OrchestrationRules []OrchestrationRule `json:"orchestration_rules"`
}

// SystemActionDetails is the SYSTEM_ACTION step body.
type SystemActionDetails struct {
	// Name is the tool to invoke.
	Name string `json:"name"`

	// Inputs is the parameter template; string leaves may be "$."-rooted
	// path references into workflow state.
	Inputs map[string]interface{} `json:"inputs"`

	// ErrorMapping extracts {error_status, error_message} from the tool
	// reply.
	ErrorMapping map[string]string `json:"error_mapping"`

	// SuccessMapping extracts values from the tool reply into the inputs
	// bag.
	SuccessMapping map[string]string `json:"success_mapping"`

	// OutputMapping extracts values from the tool reply into workflow
	// state; string values are JSON-escaped on write.
	OutputMapping map[string]string `json:"output_mapping"`
}

// Step is one node of a workflow definition.
type Step struct {
	ID             string `json:"step_id"`
	Type           string `json:"type"`
	NextStepID     string `json:"next_step_id"`
	FailureMessage string `json:"failure_message"`

	UserInteraction *UserInteraction     `json:"user_interaction,omitempty"`
	SystemAction    *SystemActionDetails `json:"system_action_details,omitempty"`
}

// Workflow is a complete read-only definition from the catalogue.
type Workflow struct {
	ID           string   `json:"workflow_id"`
	Name         string   `json:"name"`
	ExitKeywords []string `json:"workflow_exit_keywords"`
	Roles        []string `json:"roles"`
	Steps        []Step   `json:"steps"`
}

// StepIDs returns the ordered step identifiers.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.Steps))
	for i, step := range w.Steps {
		ids[i] = step.ID
	}
	return ids
}

// NextStepIDs returns every non-empty next_step_id in definition order.
func (w *Workflow) NextStepIDs() []string {
	var ids []string
	for _, step := range w.Steps {
		if step.NextStepID != "" {
			ids = append(ids, step.NextStepID)
		}
	}
	return ids
}

// StartStepID infers the entry step: the first step that no other step
// names as its successor. Returns "" for an empty or fully cyclic
// definition.
func (w *Workflow) StartStepID() string {
	referenced := make(map[string]bool)
	for _, step := range w.Steps {
		if step.NextStepID != "" {
			referenced[step.NextStepID] = true
		}
	}
	for _, step := range w.Steps {
		if !referenced[step.ID] {
			return step.ID
		}
	}
	return ""
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// AllowsAny reports whether any caller role is in the workflow's
// authorised role set.
func (w *Workflow) AllowsAny(roles []string) bool {
	allowed := make(map[string]bool, len(w.Roles))
	for _, role := range w.Roles {
		allowed[role] = true
	}
	for _, role := range roles {
		if allowed[role] {
			return true
		}
	}
	return false
}
