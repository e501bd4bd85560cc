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

// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages open the connection and supply a Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.AutomationStore   = (*Store)(nil)
	_ store.PollingStateStore = (*Store)(nil)
	_ store.ExecutionStore    = (*Store)(nil)
	_ store.Store             = (*Store)(nil)
	_ store.Pinger            = (*Store)(nil)
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect captures what differs between SQL engines.
type Dialect struct {
	// Name identifies the engine in errors.
	Name string

	// NumberedParams rewrites ? placeholders to $1, $2, ...
	NumberedParams bool

	// Migrations run in order on Migrate. Each must be idempotent.
	Migrations []string
}

// Store is a database/sql backed store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs the dialect migrations.
func (s *Store) Migrate(ctx context.Context) error {
	for _, migration := range s.dialect.Migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("%s migration failed: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	if !s.dialect.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// CreateAutomation inserts a new automation.
func (s *Store) CreateAutomation(ctx context.Context, a *store.Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = store.AutomationActive
	}

	triggerJSON, err := marshalJSON(a.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}
	reactionJSON, err := marshalJSON(a.ReactionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal reaction config: %w", err)
	}
	mappingJSON, err := marshalJSON(a.InputMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal input mapping: %w", err)
	}

	query := s.q(`
		INSERT INTO automations (id, owner_id, name, trigger_service, trigger_action,
			reaction_service, reaction, trigger_config, reaction_config, input_mapping,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)

	now := s.now()
	result, err := s.db.ExecContext(ctx, query,
		a.ID, a.OwnerID, a.Name, a.TriggerService, a.TriggerAction,
		a.ReactionService, a.Reaction, triggerJSON, reactionJSON, mappingJSON,
		string(a.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("automation %s: %w", a.ID, store.ErrConflict)
	}

	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

const automationColumns = `id, owner_id, name, trigger_service, trigger_action,
	reaction_service, reaction, trigger_config, reaction_config, input_mapping,
	status, created_at, updated_at`

// GetAutomation retrieves an automation by ID.
func (s *Store) GetAutomation(ctx context.Context, id string) (*store.Automation, error) {
	query := s.q(`SELECT ` + automationColumns + ` FROM automations WHERE id = ?`)

	a, err := scanAutomation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("automation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return a, nil
}

// ListAutomations returns automations matching the filter, oldest first.
func (s *Store) ListAutomations(ctx context.Context, filter store.AutomationFilter) ([]*store.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.TriggerService != "" {
		query += " AND trigger_service = ?"
		args = append(args, filter.TriggerService)
	}
	if filter.TriggerAction != "" {
		query += " AND trigger_action = ?"
		args = append(args, filter.TriggerAction)
	}
	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()

	var result []*store.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateAutomationStatus changes the status of an automation.
func (s *Store) UpdateAutomationStatus(ctx context.Context, id string, status store.AutomationStatus) error {
	query := s.q(`UPDATE automations SET status = ?, updated_at = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, string(status), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update automation status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("automation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetPollingState returns the state of an automation, or nil if none exists.
func (s *Store) GetPollingState(ctx context.Context, automationID string) (*store.PollingState, error) {
	query := s.q(`
		SELECT automation_id, last_checked_at, last_event_id, metadata, updated_at
		FROM polling_states WHERE automation_id = ?
	`)

	var (
		st          store.PollingState
		lastChecked sql.NullString
		lastEventID sql.NullString
		metadata    sql.NullString
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, query, automationID).Scan(
		&st.AutomationID, &lastChecked, &lastEventID, &metadata, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get polling state: %w", err)
	}

	if st.LastCheckedAt, err = parseNullTime(lastChecked); err != nil {
		return nil, err
	}
	st.LastEventID = lastEventID.String
	if err := unmarshalJSON(metadata, &st.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode polling metadata: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// SavePollingState creates or replaces the state of an automation.
func (s *Store) SavePollingState(ctx context.Context, state *store.PollingState) error {
	metadataJSON, err := marshalJSON(state.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal polling metadata: %w", err)
	}

	query := s.q(`
		INSERT INTO polling_states (automation_id, last_checked_at, last_event_id, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (automation_id) DO UPDATE SET
			last_checked_at = excluded.last_checked_at,
			last_event_id = excluded.last_event_id,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`)

	now := s.now()
	_, err = s.db.ExecContext(ctx, query,
		state.AutomationID, formatNullTime(state.LastCheckedAt), nullString(state.LastEventID),
		metadataJSON, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save polling state: %w", err)
	}
	state.UpdatedAt = now
	return nil
}

// DeletePollingState removes the state of an automation.
func (s *Store) DeletePollingState(ctx context.Context, automationID string) error {
	query := s.q(`DELETE FROM polling_states WHERE automation_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, automationID); err != nil {
		return fmt.Errorf("failed to delete polling state: %w", err)
	}
	return nil
}

const executionColumns = `id, automation_id, external_event_id, status, trigger_data,
	result_data, error_message, retry_count, next_attempt_at, created_at,
	started_at, completed_at, updated_at`

// InsertExecution inserts exec unless its (automation, event) pair is known.
// The uniqueness constraint makes the check and insert one statement, so
// concurrent callers with the same pair observe exactly one created=true.
func (s *Store) InsertExecution(ctx context.Context, exec *store.Execution) (*store.Execution, bool, error) {
	triggerJSON, err := marshalJSON(exec.TriggerData)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	rec := exec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = store.ExecutionPending
	}
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := s.q(`
		INSERT INTO executions (id, automation_id, external_event_id, status, trigger_data,
			retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (automation_id, external_event_id) DO NOTHING
	`)

	result, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.AutomationID, rec.ExternalEventID, string(rec.Status), triggerJSON,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert execution: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 1 {
		rec.RetryCount = 0
		return rec, true, nil
	}

	existing, err := scanExecution(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+executionColumns+` FROM executions WHERE automation_id = ? AND external_event_id = ?`),
		exec.AutomationID, exec.ExternalEventID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing execution: %w", err)
	}
	return existing, false, nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	query := s.q(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)

	e, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if filter.AutomationID != "" {
		query += " AND automation_id = ?"
		args = append(args, filter.AutomationID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, formatTime(filter.UpdatedBefore))
	}
	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(filter.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var result []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// UpdateExecution writes the mutable fields of exec if the stored status
// still equals from. Leaving running also requires the stored started_at
// to be exec's. A raised retry count is recorded in execution_retries in
// the same transaction.
func (s *Store) UpdateExecution(ctx context.Context, exec *store.Execution, from store.ExecutionStatus) error {
	resultJSON, err := marshalJSON(exec.ResultData)
	if err != nil {
		return fmt.Errorf("failed to marshal result data: %w", err)
	}

	query := `
		UPDATE executions SET
			status = ?, result_data = ?, error_message = ?, retry_count = ?,
			next_attempt_at = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	now := s.now()
	args := []any{
		string(exec.Status), resultJSON, nullString(exec.ErrorMessage), exec.RetryCount,
		formatNullTime(exec.NextAttemptAt), formatNullTime(exec.StartedAt), formatNullTime(exec.CompletedAt),
		formatTime(now), exec.ID, string(from),
	}
	if from == store.ExecutionRunning {
		query += " AND started_at = ?"
		args = append(args, formatNullTime(exec.StartedAt))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		_ = tx.Rollback()
		return s.updateConflict(ctx, exec, from)
	}

	if exec.RetryCount > 0 {
		// One row per retry number; rewrites of a known count keep the
		// time the retry was first scheduled.
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO execution_retries (execution_id, automation_id, retry, retried_at)
			VALUES (?, (SELECT automation_id FROM executions WHERE id = ?), ?, ?)
			ON CONFLICT (execution_id, retry) DO NOTHING
		`), exec.ID, exec.ID, exec.RetryCount, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to record retry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution update: %w", err)
	}
	exec.UpdatedAt = now
	return nil
}

func (s *Store) updateConflict(ctx context.Context, exec *store.Execution, from store.ExecutionStatus) error {
	current, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if current.Status != from {
		return fmt.Errorf("execution %s is %s, expected %s: %w", exec.ID, current.Status, from, store.ErrConflict)
	}
	return fmt.Errorf("execution %s was claimed by another attempt: %w", exec.ID, store.ErrConflict)
}

// CountRetries counts the automation's retries scheduled at or after since.
func (s *Store) CountRetries(ctx context.Context, automationID string, since time.Time) (int, error) {
	query := s.q(`SELECT COUNT(*) FROM execution_retries WHERE automation_id = ? AND retried_at >= ?`)

	var total int64
	if err := s.db.QueryRowContext(ctx, query, automationID, formatTime(since)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count retries: %w", err)
	}
	return int(total), nil
}

// SetClock replaces the clock used for record timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
