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

// Package store defines the persistence contract of the automation engine
// and the records it persists.
//
// # Interface Hierarchy
//
//   - AutomationStore: user automations (created by the external API, read by the engine)
//   - PollingStateStore: per-automation scan cursors
//   - ExecutionStore: the execution ledger, with an atomic conditional insert
//   - io.Closer
//
// Store composes all of them. Components accept the narrowest interface
// they need.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set update loses because the
	// record is no longer in the expected state.
	ErrConflict = errors.New("conflict")
)

// AutomationStore persists automations.
type AutomationStore interface {
	// CreateAutomation inserts a new automation. The ID is generated when empty.
	CreateAutomation(ctx context.Context, a *Automation) error

	// GetAutomation returns ErrNotFound when the automation does not exist.
	GetAutomation(ctx context.Context, id string) (*Automation, error)

	// ListAutomations returns automations matching filter, oldest first.
	ListAutomations(ctx context.Context, filter AutomationFilter) ([]*Automation, error)

	// UpdateAutomationStatus changes the lifecycle status of an automation.
	UpdateAutomationStatus(ctx context.Context, id string, status AutomationStatus) error
}

// PollingStateStore persists scan cursors. Writes are last-writer-wins.
type PollingStateStore interface {
	// GetPollingState returns nil and no error when no state exists yet.
	GetPollingState(ctx context.Context, automationID string) (*PollingState, error)

	// SavePollingState creates or replaces the state of one automation.
	SavePollingState(ctx context.Context, state *PollingState) error

	// DeletePollingState removes the state so the next scan starts fresh.
	DeletePollingState(ctx context.Context, automationID string) error
}

// ExecutionStore is the persistence side of the execution ledger.
type ExecutionStore interface {
	// InsertExecution inserts exec unless an execution with the same
	// (AutomationID, ExternalEventID) already exists. The check and insert
	// are a single atomic statement. When the pair exists, the existing
	// record is returned with created=false and no error.
	InsertExecution(ctx context.Context, exec *Execution) (stored *Execution, created bool, err error)

	// GetExecution returns ErrNotFound when the execution does not exist.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions matching filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// UpdateExecution writes the mutable fields of exec only if the stored
	// status still equals from and, when from is running, the stored
	// started_at equals exec's. It returns ErrConflict otherwise. Raising
	// RetryCount records when that retry was scheduled.
	UpdateExecution(ctx context.Context, exec *Execution, from ExecutionStatus) error

	// CountRetries returns how many retries of the automation's executions
	// were scheduled at or after since, whenever the executions were created.
	CountRetries(ctx context.Context, automationID string, since time.Time) (int, error)
}

// Store is the full persistence contract.
type Store interface {
	AutomationStore
	PollingStateStore
	ExecutionStore
	io.Closer
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrorType returns a short label for a persistence error, for metrics.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}
