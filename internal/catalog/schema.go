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

package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the catalogue tables if they do not exist. The schema
// is portable across SQLite and PostgreSQL.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			exit_keywords TEXT,
			roles TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			next_step_id TEXT,
			failure_message TEXT,
			user_interaction TEXT,
			system_action_details TEXT,
			PRIMARY KEY (workflow_id, step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps(workflow_id, position)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("catalogue migration failed: %w", err)
		}
	}
	return nil
}
