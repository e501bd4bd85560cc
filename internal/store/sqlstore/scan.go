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

package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row scanner) (*store.Automation, error) {
	var (
		a                    store.Automation
		status               string
		triggerJSON          sql.NullString
		reactionJSON         sql.NullString
		mappingJSON          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.TriggerService, &a.TriggerAction,
		&a.ReactionService, &a.Reaction, &triggerJSON, &reactionJSON, &mappingJSON,
		&status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = store.AutomationStatus(status)
	if err := unmarshalJSON(triggerJSON, &a.TriggerConfig); err != nil {
		return nil, fmt.Errorf("trigger config: %w", err)
	}
	if err := unmarshalJSON(reactionJSON, &a.ReactionConfig); err != nil {
		return nil, fmt.Errorf("reaction config: %w", err)
	}
	if err := unmarshalJSON(mappingJSON, &a.InputMapping); err != nil {
		return nil, fmt.Errorf("input mapping: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanExecution(row scanner) (*store.Execution, error) {
	var (
		e                              store.Execution
		status                         string
		triggerJSON, resultJSON        sql.NullString
		errorMessage                   sql.NullString
		retryCount                     int64
		nextAttempt, started, finished sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(
		&e.ID, &e.AutomationID, &e.ExternalEventID, &status, &triggerJSON,
		&resultJSON, &errorMessage, &retryCount, &nextAttempt, &createdAt,
		&started, &finished, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = store.ExecutionStatus(status)
	e.ErrorMessage = errorMessage.String
	e.RetryCount = int(retryCount)
	if err := unmarshalJSON(triggerJSON, &e.TriggerData); err != nil {
		return nil, fmt.Errorf("trigger data: %w", err)
	}
	if err := unmarshalJSON(resultJSON, &e.ResultData); err != nil {
		return nil, fmt.Errorf("result data: %w", err)
	}
	if e.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalJSON encodes v, storing NULL for empty maps.
func marshalJSON[M ~map[K]V, K comparable, V any](v M) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, dest any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dest)
}
