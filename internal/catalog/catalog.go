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

// Package catalog reads workflow definitions from relational storage,
// scoped to the caller's roles. Reads are memoised in bounded LRU caches;
// a workflow the caller may not read is indistinguishable from a missing
// one.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tombee/stepflow/internal/engine"
	"github.com/tombee/stepflow/internal/log"
)

// Cache sizes for the two read paths.
const (
	workflowCacheSize = 32
	listCacheSize     = 16
)

// Dialects supported by the catalogue queries.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Summary is a workflow header without its steps.
type Summary struct {
	ID           string   `json:"workflow_id"`
	Name         string   `json:"name"`
	ExitKeywords []string `json:"workflow_exit_keywords"`
}

// Catalog serves role-scoped workflow definitions.
type Catalog struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger

	workflows *lru.Cache[string, *engine.Workflow]
	lists     *lru.Cache[string, []Summary]
}

// New creates a catalogue over an open database handle. dialect selects
// the placeholder style (DialectSQLite or DialectPostgres).
func New(db *sql.DB, dialect string, logger *slog.Logger) (*Catalog, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported catalogue dialect: %q", dialect)
	}
	if logger == nil {
		logger = slog.Default()
	}

	workflows, err := lru.New[string, *engine.Workflow](workflowCacheSize)
	if err != nil {
		return nil, err
	}
	lists, err := lru.New[string, []Summary](listCacheSize)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		db:        db,
		dialect:   dialect,
		logger:    logger.With("component", "catalog"),
		workflows: workflows,
		lists:     lists,
	}, nil
}

// GetWorkflow returns the workflow with its steps if any caller role is
// authorised to read it, nil otherwise. Results (including the negative
// ones) are cached per (workflow id, role set).
func (c *Catalog) GetWorkflow(ctx context.Context, workflowID string, roles []string) (*engine.Workflow, error) {
	key := workflowID + "|" + roleKey(roles)
	if wf, ok := c.workflows.Get(key); ok {
		return wf, nil
	}

	wf, err := c.loadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf != nil && !wf.AllowsAny(roles) {
		c.logger.Info("workflow not readable by caller roles",
			log.WorkflowKey, workflowID)
		wf = nil
	}

	c.workflows.Add(key, wf)
	return wf, nil
}

// ListWorkflows returns the headers of every workflow readable by the
// caller's roles. Results are cached per role set.
func (c *Catalog) ListWorkflows(ctx context.Context, roles []string) ([]Summary, error) {
	key := roleKey(roles)
	if list, ok := c.lists.Get(key); ok {
		return list, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT workflow_id, name, exit_keywords, roles FROM workflows ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var list []Summary
	for rows.Next() {
		var summary Summary
		var keywordsJSON, rolesJSON sql.NullString
		if err := rows.Scan(&summary.ID, &summary.Name, &keywordsJSON, &rolesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		allowed, err := unmarshalStrings(rolesJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid roles for workflow %s: %w", summary.ID, err)
		}
		if !anyRole(allowed, roles) {
			continue
		}

		summary.ExitKeywords, err = unmarshalStrings(keywordsJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid exit keywords for workflow %s: %w", summary.ID, err)
		}
		list = append(list, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	c.lists.Add(key, list)
	return list, nil
}

// loadWorkflow reads a workflow and its ordered steps, or nil when the
// workflow does not exist.
func (c *Catalog) loadWorkflow(ctx context.Context, workflowID string) (*engine.Workflow, error) {
	row := c.db.QueryRowContext(ctx,
		c.q(`SELECT workflow_id, name, exit_keywords, roles FROM workflows WHERE workflow_id = ?`),
		workflowID)

	wf := &engine.Workflow{}
	var keywordsJSON, rolesJSON sql.NullString
	err := row.Scan(&wf.ID, &wf.Name, &keywordsJSON, &rolesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow %s: %w", workflowID, err)
	}

	if wf.ExitKeywords, err = unmarshalStrings(keywordsJSON); err != nil {
		return nil, fmt.Errorf("invalid exit keywords for workflow %s: %w", workflowID, err)
	}
	if wf.Roles, err = unmarshalStrings(rolesJSON); err != nil {
		return nil, fmt.Errorf("invalid roles for workflow %s: %w", workflowID, err)
	}

	rows, err := c.db.QueryContext(ctx,
		c.q(`SELECT step_id, type, next_step_id, failure_message, user_interaction, system_action_details
		FROM steps WHERE workflow_id = ? ORDER BY position`),
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var step engine.Step
		var nextStepID, failureMessage, interactionJSON, actionJSON sql.NullString
		if err := rows.Scan(&step.ID, &step.Type, &nextStepID, &failureMessage, &interactionJSON, &actionJSON); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.NextStepID = nextStepID.String
		step.FailureMessage = failureMessage.String

		if interactionJSON.Valid && interactionJSON.String != "" {
			step.UserInteraction = &engine.UserInteraction{}
			if err := json.Unmarshal([]byte(interactionJSON.String), step.UserInteraction); err != nil {
				return nil, fmt.Errorf("invalid user_interaction for step %s: %w", step.ID, err)
			}
		}
		if actionJSON.Valid && actionJSON.String != "" {
			step.SystemAction = &engine.SystemActionDetails{}
			if err := json.Unmarshal([]byte(actionJSON.String), step.SystemAction); err != nil {
				return nil, fmt.Errorf("invalid system_action_details for step %s: %w", step.ID, err)
			}
		}

		wf.Steps = append(wf.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}

	return wf, nil
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (c *Catalog) q(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// roleKey normalises a role set into an order-insensitive cache key.
func roleKey(roles []string) string {
	sorted := make([]string, len(roles))
	copy(sorted, roles)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func anyRole(allowed, roles []string) bool {
	set := make(map[string]bool, len(allowed))
	for _, role := range allowed {
		set[role] = true
	}
	for _, role := range roles {
		if set[role] {
			return true
		}
	}
	return false
}

func unmarshalStrings(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
