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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist. A workflow that exists
// but is not readable by the caller's roles is reported with this same type,
// indistinguishable from a missing workflow.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "step")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ToolError kinds.
const (
	// ToolErrorTransport covers session setup and connection failures.
	ToolErrorTransport = "transport"

	// ToolErrorDecode covers unparseable tool payloads.
	ToolErrorDecode = "decode"

	// ToolErrorTool covers errors reported by the tool itself.
	ToolErrorTool = "tool"
)

// ToolError represents a failure reported by or while reaching the tool server.
type ToolError struct {
	// Tool is the name of the tool that was invoked
	Tool string

	// Kind classifies the failure ("transport", "decode", "tool")
	Kind string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s %s error: %s", e.Tool, e.Kind, e.Message)
	}
	return fmt.Sprintf("tool %s error: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for missing settings, unreadable secrets, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "db_secret_id")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., fetch error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured wall-clock budget.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "tool call", "user info lookup")
	Operation string

	// Duration is the budget the operation exceeded
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// MissingVarsError reports template variables that are not present in the
// rendering context. The variable names are reported, never the values.
type MissingVarsError struct {
	// Template is a short description of the template being rendered
	Template string

	// Vars are the referenced variables absent from the context
	Vars []string
}

// Error implements the error interface.
func (e *MissingVarsError) Error() string {
	return fmt.Sprintf("template %q references undefined variables: %s",
		e.Template, strings.Join(e.Vars, ", "))
}

// ConditionError represents a condition expression that could not be evaluated.
type ConditionError struct {
	// Condition is the condition template that failed
	Condition string

	// Cause is the underlying compile or evaluation error
	Cause error
}

// Error implements the error interface.
func (e *ConditionError) Error() string {
	return fmt.Sprintf("failed to evaluate condition %q: %v", e.Condition, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConditionError) Unwrap() error {
	return e.Cause
}
