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

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/template"
)

// handleFinalResponse runs a FINAL_RESPONSE step: render the closing
// message and complete the run.
func (e *Engine) handleFinalResponse(ctx context.Context, step *Step, state *State) error {
	_ = ctx

	state.GoToStepID = ""

	var userMessage string
	if step.UserInteraction != nil {
		userMessage = step.UserInteraction.UserMessage
	}
	if userMessage == "" {
		e.logger.Error("no response template found for final step", log.StepIDKey, step.ID)
		state.TaskState = TaskFailed
		return nil
	}

	rendered, err := template.Render(userMessage, state.WorkflowState)
	if err != nil {
		return fmt.Errorf("failed to render final response for step %s: %w", step.ID, err)
	}

	state.Output = parseOutput(rendered)
	state.TaskState = TaskCompleted
	return nil
}
