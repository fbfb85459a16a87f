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
	"strings"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/template"
)

// handleUserInput runs a USER_INPUT step. It has two modes: resuming a
// suspended conversation with the user's reply, or prompting the user and
// suspending.
func (e *Engine) handleUserInput(ctx context.Context, step *Step, state *State) error {
	_ = ctx

	ui := step.UserInteraction
	if ui == nil {
		ui = &UserInteraction{}
	}

	// Exit keywords dominate everything else, including orchestration.
	if state.Input != "" && matchesKeyword(state.Input, state.ExitKeywords) {
		e.logger.Info("exit keyword received, terminating workflow",
			log.WorkflowKey, state.WorkflowID, log.StepIDKey, step.ID)
		state.TaskState = TaskCanceled
		state.SetSummary(fmt.Sprintf("Workflow %s (%s) terminated.", state.WorkflowID, state.WorkflowName))
		return nil
	}

	// Resume mode: the conversation was suspended at this step and the
	// turn is not an orchestration jump.
	if !state.IsNewConversation && step.ID == state.StartStepID && state.GoToStepID == "" {
		if canceled := e.ingestReply(ui, state); canceled {
			return nil
		}
		if err := e.applyOrchestrationRules(step, ui, state); err != nil {
			return err
		}
		state.TaskState = TaskCompleted
		return nil
	}

	// Prompt mode: render the prompt and suspend for user input.
	state.GoToStepID = ""

	rendered, err := template.Render(ui.UserMessage, state.WorkflowState)
	if err != nil {
		return fmt.Errorf("failed to render user message for step %s: %w", step.ID, err)
	}

	state.Output = parseOutput(rendered)
	state.TaskState = TaskInputRequired
	return nil
}

// ingestReply copies the user's reply into the scratchpad. Returns true
// when the reply canceled the run.
func (e *Engine) ingestReply(ui *UserInteraction, state *State) bool {
	keys := ui.ExpectedDataKeys

	switch {
	case len(state.InputData) > 0 && len(keys) > 0:
		for _, key := range keys {
			if value, ok := state.InputData[key]; ok {
				state.WorkflowState[key] = value
			}
		}
	case state.Input != "" && len(keys) >= 1:
		key := keys[0]
		state.WorkflowState[key] = state.Input

		if key == "confirm_action" && isDecline(state.Input) {
			e.logger.Info("user declined confirmation, exiting workflow",
				log.WorkflowKey, state.WorkflowID)
			state.TaskState = TaskCanceled
			state.SetSummary("Action cancelled by user")
			return true
		}
	}

	return false
}

// applyOrchestrationRules evaluates the step's rules in order; the first
// truthy condition sets the routing hint. Every variable referenced by an
// evaluated rule is nulled afterwards in both the scratchpad and the
// inbound data so it cannot satisfy a later turn.
func (e *Engine) applyOrchestrationRules(step *Step, ui *UserInteraction, state *State) error {
	evaluated := make(map[string]bool)

	for _, rule := range ui.OrchestrationRules {
		vars := template.Vars(rule.Condition)

		missing := false
		for _, name := range vars {
			if _, ok := state.WorkflowState[name]; !ok {
				missing = true
			}
		}
		if missing {
			e.logger.Warn("orchestration rule references undefined variables, skipping",
				log.StepIDKey, step.ID, "condition", rule.Condition)
			continue
		}

		for _, name := range vars {
			evaluated[name] = true
		}

		match, err := e.evaluator.EvaluateCondition(rule.Condition, state.WorkflowState)
		if err != nil {
			return fmt.Errorf("failed to evaluate orchestration rule for step %s: %w", step.ID, err)
		}
		if match {
			e.logger.Info("orchestration rule matched",
				log.StepIDKey, step.ID, "condition", rule.Condition, "target", rule.GoToStep)
			state.GoToStepID = rule.GoToStep
			break
		}
	}

	for name := range evaluated {
		state.WorkflowState[name] = nil
		if state.InputData != nil {
			state.InputData[name] = nil
		}
	}

	return nil
}

// matchesKeyword reports whether text equals any keyword, case-insensitive.
func matchesKeyword(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.EqualFold(text, keyword) {
			return true
		}
	}
	return false
}

// isDecline reports whether a confirmation reply means "no".
func isDecline(text string) bool {
	lower := strings.ToLower(text)
	return lower == "no" || lower == "n"
}

// parseOutput interprets a rendered template as the step output: a JSON
// object parses as-is, anything else is wrapped as a summary.
func parseOutput(rendered string) map[string]interface{} {
	var output map[string]interface{}
	if err := json.Unmarshal([]byte(rendered), &output); err == nil {
		return output
	}
	return map[string]interface{}{"summary": rendered}
}
