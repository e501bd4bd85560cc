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

package store

import (
	"maps"
	"time"
)

// AutomationStatus is the lifecycle status of an automation.
type AutomationStatus string

const (
	AutomationActive   AutomationStatus = "active"
	AutomationPaused   AutomationStatus = "paused"
	AutomationDisabled AutomationStatus = "disabled"
)

// IsValid reports whether s is a known status.
func (s AutomationStatus) IsValid() bool {
	switch s {
	case AutomationActive, AutomationPaused, AutomationDisabled:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the state of an execution.
//
//	pending -> running -> success
//	                   -> failed
//	running -> pending (retry)
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning
	case ExecutionRunning:
		return next == ExecutionSuccess || next == ExecutionFailed || next == ExecutionPending
	default:
		return false
	}
}

// Automation binds one trigger action to one reaction for an owner.
type Automation struct {
	ID      string `json:"id" yaml:"id"`
	OwnerID string `json:"owner_id" yaml:"owner_id"`
	Name    string `json:"name" yaml:"name"`

	// TriggerService is the service family owning TriggerAction.
	TriggerService string `json:"trigger_service" yaml:"trigger_service"`
	TriggerAction  string `json:"trigger_action" yaml:"trigger_action"`

	// ReactionService is the service owning Reaction.
	ReactionService string `json:"reaction_service" yaml:"reaction_service"`
	Reaction        string `json:"reaction" yaml:"reaction"`

	TriggerConfig  map[string]any `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	ReactionConfig map[string]any `json:"reaction_config,omitempty" yaml:"reaction_config,omitempty"`

	// InputMapping maps reaction parameters to jq expressions evaluated
	// against the trigger data.
	InputMapping map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`

	Status    AutomationStatus `json:"status" yaml:"status"`
	CreatedAt time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt time.Time        `json:"updated_at" yaml:"-"`
}

// Clone returns a copy safe to mutate.
func (a *Automation) Clone() *Automation {
	c := *a
	c.TriggerConfig = maps.Clone(a.TriggerConfig)
	c.ReactionConfig = maps.Clone(a.ReactionConfig)
	c.InputMapping = maps.Clone(a.InputMapping)
	return &c
}

// AutomationFilter selects automations. Empty fields match everything.
type AutomationFilter struct {
	Status         AutomationStatus
	TriggerService string
	TriggerAction  string
	OwnerID        string
}

// PollingState is the incremental scan cursor of one automation.
type PollingState struct {
	AutomationID string `json:"automation_id"`

	// LastCheckedAt is the time of the last completed scan.
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`

	// LastEventID is the opaque cursor of the furthest recorded event.
	LastEventID string `json:"last_event_id,omitempty"`

	// Metadata is scanner specific (ETag, watch expiry, error streaks).
	Metadata map[string]any `json:"metadata,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (p *PollingState) Clone() *PollingState {
	c := *p
	if p.LastCheckedAt != nil {
		t := *p.LastCheckedAt
		c.LastCheckedAt = &t
	}
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// Execution is one idempotently recorded trigger occurrence and the outcome
// of its reaction.
type Execution struct {
	ID              string          `json:"id"`
	AutomationID    string          `json:"automation_id"`
	ExternalEventID string          `json:"external_event_id"`
	Status          ExecutionStatus `json:"status"`
	TriggerData     map[string]any  `json:"trigger_data,omitempty"`
	ResultData      map[string]any  `json:"result_data,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`

	// NextAttemptAt is set on a pending execution waiting for a retry backoff.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (e *Execution) Clone() *Execution {
	c := *e
	c.TriggerData = maps.Clone(e.TriggerData)
	c.ResultData = maps.Clone(e.ResultData)
	c.NextAttemptAt = cloneTime(e.NextAttemptAt)
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

// ExecutionFilter selects executions. Zero fields match everything.
type ExecutionFilter struct {
	AutomationID string
	Status       ExecutionStatus

	// UpdatedBefore matches executions whose last write is older than the
	// given time. Used by the recovery sweeper.
	UpdatedBefore time.Time

	Limit  int
	Offset int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
