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

// Package sqlite opens a SQLite backed store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/sqlstore"
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" gives a private database.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		trigger_service TEXT NOT NULL,
		trigger_action TEXT NOT NULL,
		reaction_service TEXT NOT NULL,
		reaction TEXT NOT NULL,
		trigger_config TEXT,
		reaction_config TEXT,
		input_mapping TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_automations_trigger ON automations(status, trigger_service, trigger_action)`,
	`CREATE TABLE IF NOT EXISTS polling_states (
		automation_id TEXT PRIMARY KEY REFERENCES automations(id) ON DELETE CASCADE,
		last_checked_at TEXT,
		last_event_id TEXT,
		metadata TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
		external_event_id TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_data TEXT,
		result_data TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE (automation_id, external_event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS execution_retries (
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		automation_id TEXT NOT NULL,
		retry INTEGER NOT NULL,
		retried_at TEXT NOT NULL,
		PRIMARY KEY (execution_id, retry)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_retries_automation ON execution_retries(automation_id, retried_at)`,
}

// Open opens the database, applies pragmas and runs migrations.
func Open(cfg Config) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configurePragmas(ctx, db, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	s := sqlstore.New(db, sqlstore.Dialect{Name: "sqlite", Migrations: migrations})
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func configurePragmas(ctx context.Context, db *sql.DB, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}
