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

// Package memory provides an in-memory store implementation.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
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
)

type eventKey struct {
	automationID string
	eventID      string
}

// Store is an in-memory store. Records are cloned on the way in and out so
// callers never share state with the store.
type Store struct {
	mu          sync.RWMutex
	automations map[string]*store.Automation
	states      map[string]*store.PollingState
	executions  map[string]*store.Execution
	byEvent     map[eventKey]string

	// retries holds when each retry of an execution was scheduled.
	retries map[retryKey]retry

	now func() time.Time
}

type retryKey struct {
	executionID string
	n           int
}

type retry struct {
	automationID string
	at           time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		automations: make(map[string]*store.Automation),
		states:      make(map[string]*store.PollingState),
		executions:  make(map[string]*store.Execution),
		byEvent:     make(map[eventKey]string),
		retries:     make(map[retryKey]retry),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for record timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateAutomation stores a new automation.
func (s *Store) CreateAutomation(ctx context.Context, a *store.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, exists := s.automations[a.ID]; exists {
		return fmt.Errorf("automation %s: %w", a.ID, store.ErrConflict)
	}
	if a.Status == "" {
		a.Status = store.AutomationActive
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.automations[a.ID] = a.Clone()
	return nil
}

// GetAutomation retrieves an automation by ID.
func (s *Store) GetAutomation(ctx context.Context, id string) (*store.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.automations[id]
	if !ok {
		return nil, fmt.Errorf("automation %s: %w", id, store.ErrNotFound)
	}
	return a.Clone(), nil
}

// ListAutomations returns automations matching the filter.
func (s *Store) ListAutomations(ctx context.Context, filter store.AutomationFilter) ([]*store.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Automation
	for _, a := range s.automations {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.TriggerService != "" && a.TriggerService != filter.TriggerService {
			continue
		}
		if filter.TriggerAction != "" && a.TriggerAction != filter.TriggerAction {
			continue
		}
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			continue
		}
		result = append(result, a.Clone())
	}
	slices.SortFunc(result, func(x, y *store.Automation) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return result, nil
}

// UpdateAutomationStatus changes the status of an automation.
func (s *Store) UpdateAutomationStatus(ctx context.Context, id string, status store.AutomationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.automations[id]
	if !ok {
		return fmt.Errorf("automation %s: %w", id, store.ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = s.now()
	return nil
}

// GetPollingState returns the state of an automation, or nil if none exists.
func (s *Store) GetPollingState(ctx context.Context, automationID string) (*store.PollingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[automationID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// SavePollingState creates or replaces the state of an automation.
func (s *Store) SavePollingState(ctx context.Context, state *store.PollingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = s.now()
	s.states[state.AutomationID] = state.Clone()
	return nil
}

// DeletePollingState removes the state of an automation.
func (s *Store) DeletePollingState(ctx context.Context, automationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, automationID)
	return nil
}

// InsertExecution inserts exec unless its (automation, event) pair is known.
func (s *Store) InsertExecution(ctx context.Context, exec *store.Execution) (*store.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{exec.AutomationID, exec.ExternalEventID}
	if id, exists := s.byEvent[key]; exists {
		return s.executions[id].Clone(), false, nil
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

	s.executions[rec.ID] = rec
	s.byEvent[key] = rec.ID
	return rec.Clone(), true, nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	return e.Clone(), nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Execution
	for _, e := range s.executions {
		if filter.AutomationID != "" && e.AutomationID != filter.AutomationID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		result = append(result, e.Clone())
	}
	slices.SortFunc(result, func(x, y *store.Execution) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(y.ID, x.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateExecution writes exec if the stored status equals from. Leaving
// running also requires the stored start time to be exec's, so a worker
// whose attempt was recovered cannot overwrite the next attempt.
func (s *Store) UpdateExecution(ctx context.Context, exec *store.Execution, from store.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, store.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("execution %s is %s, expected %s: %w", exec.ID, cur.Status, from, store.ErrConflict)
	}
	if from == store.ExecutionRunning && !sameTime(cur.StartedAt, exec.StartedAt) {
		return fmt.Errorf("execution %s was claimed by another attempt: %w", exec.ID, store.ErrConflict)
	}

	now := s.now()
	if exec.RetryCount > 0 {
		key := retryKey{executionID: exec.ID, n: exec.RetryCount}
		if _, seen := s.retries[key]; !seen {
			s.retries[key] = retry{automationID: cur.AutomationID, at: now}
		}
	}

	next := exec.Clone()
	next.AutomationID = cur.AutomationID
	next.ExternalEventID = cur.ExternalEventID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = now
	exec.UpdatedAt = next.UpdatedAt
	s.executions[exec.ID] = next
	return nil
}

// CountRetries counts the automation's retries scheduled at or after since.
func (s *Store) CountRetries(ctx context.Context, automationID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, r := range s.retries {
		if r.automationID == automationID && !r.at.Before(since) {
			total++
		}
	}
	return total, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
