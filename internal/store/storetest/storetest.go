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

// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Clocked is implemented by stores whose timestamps can be driven by tests.
type Clocked interface {
	SetClock(now func() time.Time)
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AutomationLifecycle", testAutomationLifecycle},
		{"ListAutomationsFilter", testListAutomationsFilter},
		{"PollingStateUpsert", testPollingStateUpsert},
		{"InsertExecutionIdempotent", testInsertExecutionIdempotent},
		{"InsertExecutionConcurrent", testInsertExecutionConcurrent},
		{"UpdateExecutionCompareAndSet", testUpdateExecutionCAS},
		{"ListExecutions", testListExecutions},
		{"CountRetries", testCountRetries},
		{"CountRetriesByRetryTime", testCountRetriesByRetryTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// NewAutomation returns a valid automation fixture.
func NewAutomation(owner string) *store.Automation {
	return &store.Automation{
		OwnerID:         owner,
		Name:            "issues to webhook",
		TriggerService:  "github",
		TriggerAction:   "new_issue",
		ReactionService: "webhook",
		Reaction:        "http_post",
		TriggerConfig:   map[string]any{"repository": "octo/hello"},
		ReactionConfig:  map[string]any{"url": "https://example.com/hook"},
		InputMapping:    map[string]string{"title": ".title"},
		Status:          store.AutomationActive,
	}
}

func mustAutomation(t *testing.T, s store.Store) *store.Automation {
	t.Helper()
	a := NewAutomation("user-1")
	require.NoError(t, s.CreateAutomation(context.Background(), a))
	return a
}

func testAutomationLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := NewAutomation("user-1")
	require.NoError(t, s.CreateAutomation(ctx, a))
	require.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.OwnerID, got.OwnerID)
	assert.Equal(t, "octo/hello", got.TriggerConfig["repository"])
	assert.Equal(t, ".title", got.InputMapping["title"])
	assert.Equal(t, store.AutomationActive, got.Status)

	dup := NewAutomation("user-1")
	dup.ID = a.ID
	assert.ErrorIs(t, s.CreateAutomation(ctx, dup), store.ErrConflict)

	require.NoError(t, s.UpdateAutomationStatus(ctx, a.ID, store.AutomationPaused))
	got, err = s.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AutomationPaused, got.Status)

	_, err = s.GetAutomation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateAutomationStatus(ctx, "missing", store.AutomationActive), store.ErrNotFound)
}

func testListAutomationsFilter(t *testing.T, s store.Store) {
	ctx := context.Background()

	a1 := NewAutomation("user-1")
	a2 := NewAutomation("user-2")
	a2.TriggerService = "timer"
	a2.TriggerAction = "every_interval"
	a3 := NewAutomation("user-1")
	a3.Status = store.AutomationPaused
	for _, a := range []*store.Automation{a1, a2, a3} {
		require.NoError(t, s.CreateAutomation(ctx, a))
	}

	all, err := s.ListAutomations(ctx, store.AutomationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.ListAutomations(ctx, store.AutomationFilter{Status: store.AutomationActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	github, err := s.ListAutomations(ctx, store.AutomationFilter{
		Status:         store.AutomationActive,
		TriggerService: "github",
		TriggerAction:  "new_issue",
	})
	require.NoError(t, err)
	require.Len(t, github, 1)
	assert.Equal(t, a1.ID, github[0].ID)

	owned, err := s.ListAutomations(ctx, store.AutomationFilter{OwnerID: "user-2"})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, a2.ID, owned[0].ID)
}

func testPollingStateUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAutomation(t, s)

	st, err := s.GetPollingState(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, st)

	checked := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SavePollingState(ctx, &store.PollingState{
		AutomationID:  a.ID,
		LastCheckedAt: &checked,
		LastEventID:   "41",
		Metadata:      map[string]any{"etag": "abc"},
	}))

	require.NoError(t, s.SavePollingState(ctx, &store.PollingState{
		AutomationID:  a.ID,
		LastCheckedAt: &checked,
		LastEventID:   "42",
	}))

	st, err = s.GetPollingState(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "42", st.LastEventID)
	require.NotNil(t, st.LastCheckedAt)
	assert.True(t, checked.Equal(*st.LastCheckedAt))
	assert.Empty(t, st.Metadata)

	require.NoError(t, s.DeletePollingState(ctx, a.ID))
	st, err = s.GetPollingState(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func testInsertExecutionIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAutomation(t, s)

	first, created, err := s.InsertExecution(ctx, &store.Execution{
		AutomationID:    a.ID,
		ExternalEventID: "issue-7",
		TriggerData:     map[string]any{"title": "first"},
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, store.ExecutionPending, first.Status)
	assert.NotEmpty(t, first.ID)

	second, created, err := s.InsertExecution(ctx, &store.Execution{
		AutomationID:    a.ID,
		ExternalEventID: "issue-7",
		TriggerData:     map[string]any{"title": "second"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "first", second.TriggerData["title"])

	other, created, err := s.InsertExecution(ctx, &store.Execution{
		AutomationID:    a.ID,
		ExternalEventID: "issue-8",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func testInsertExecutionConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAutomation(t, s)

	const callers = 16
	var createdCount atomic.Int32
	ids := make([]string, callers)

	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			exec, created, err := s.InsertExecution(ctx, &store.Execution{
				AutomationID:    a.ID,
				ExternalEventID: "evt-1",
				TriggerData:     map[string]any{"caller": i},
			})
			if err != nil {
				return err
			}
			if created {
				createdCount.Add(1)
			}
			ids[i] = exec.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), createdCount.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	list, err := s.ListExecutions(ctx, store.ExecutionFilter{AutomationID: a.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testUpdateExecutionCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAutomation(t, s)

	exec, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: a.ID, ExternalEventID: "e"})
	require.NoError(t, err)

	started := time.Now().UTC()
	exec.Status = store.ExecutionRunning
	exec.StartedAt = &started
	require.NoError(t, s.UpdateExecution(ctx, exec, store.ExecutionPending))

	// A second claimer still expects pending and must lose.
	stale := exec.Clone()
	stale.Status = store.ExecutionRunning
	assert.ErrorIs(t, s.UpdateExecution(ctx, stale, store.ExecutionPending), store.ErrConflict)

	done := time.Now().UTC()
	exec.Status = store.ExecutionSuccess
	exec.CompletedAt = &done
	exec.ResultData = map[string]any{"status_code": float64(200)}
	require.NoError(t, s.UpdateExecution(ctx, exec, store.ExecutionRunning))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionSuccess, got.Status)
	assert.Equal(t, float64(200), got.ResultData["status_code"])
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
	assert.False(t, got.StartedAt.Before(got.CreatedAt))

	// Leaving running needs the start time of the attempt that claimed it.
	again, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: a.ID, ExternalEventID: "e2"})
	require.NoError(t, err)
	first := time.Now().UTC().Add(-time.Hour)
	again.Status = store.ExecutionRunning
	again.StartedAt = &first
	require.NoError(t, s.UpdateExecution(ctx, again, store.ExecutionPending))

	older := again.Clone()
	second := first.Add(time.Minute)
	older.StartedAt = &second
	older.Status = store.ExecutionFailed
	assert.ErrorIs(t, s.UpdateExecution(ctx, older, store.ExecutionRunning), store.ErrConflict)

	again.Status = store.ExecutionFailed
	require.NoError(t, s.UpdateExecution(ctx, again, store.ExecutionRunning))

	missing := &store.Execution{ID: "nope", Status: store.ExecutionRunning}
	assert.ErrorIs(t, s.UpdateExecution(ctx, missing, store.ExecutionPending), store.ErrNotFound)
}

func testListExecutions(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAutomation(t, s)
	b := mustAutomation(t, s)

	for i := range 5 {
		_, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: a.ID, ExternalEventID: fmt.Sprintf("a-%d", i)})
		require.NoError(t, err)
	}
	_, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: b.ID, ExternalEventID: "b-0"})
	require.NoError(t, err)

	all, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	forA, err := s.ListExecutions(ctx, store.ExecutionFilter{AutomationID: a.ID})
	require.NoError(t, err)
	require.Len(t, forA, 5)
	for i := 1; i < len(forA); i++ {
		assert.False(t, forA[i].CreatedAt.After(forA[i-1].CreatedAt), "newest first")
	}

	page, err := s.ListExecutions(ctx, store.ExecutionFilter{AutomationID: a.ID, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, forA[1].ID, page[0].ID)

	tail, err := s.ListExecutions(ctx, store.ExecutionFilter{AutomationID: a.ID, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	pending, err := s.ListExecutions(ctx, store.ExecutionFilter{
		Status:        store.ExecutionPending,
		UpdatedBefore: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, pending, 6)

	none, err := s.ListExecutions(ctx, store.ExecutionFilter{UpdatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// retryOnce claims exec and sends it back to pending with one more retry.
func retryOnce(t *testing.T, s store.Store, exec *store.Execution) {
	t.Helper()
	ctx := context.Background()

	started := time.Now().UTC()
	exec.Status = store.ExecutionRunning
	exec.StartedAt = &started
	require.NoError(t, s.UpdateExecution(ctx, exec, store.ExecutionPending))

	exec.Status = store.ExecutionPending
	exec.RetryCount++
	require.NoError(t, s.UpdateExecution(ctx, exec, store.ExecutionRunning))
}

func testCountRetries(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustAutomation(t, s)
	b := mustAutomation(t, s)
	since := time.Now().Add(-time.Minute)

	for i, retries := range []int{2, 3} {
		exec, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: a.ID, ExternalEventID: fmt.Sprintf("r-%d", i)})
		require.NoError(t, err)
		for range retries {
			retryOnce(t, s, exec)
		}
	}
	other, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: b.ID, ExternalEventID: "r-b"})
	require.NoError(t, err)
	retryOnce(t, s, other)

	// Rewriting a known retry count records nothing new.
	exec, err := s.GetExecution(ctx, other.ID)
	require.NoError(t, err)
	exec.ErrorMessage = "still failing"
	require.NoError(t, s.UpdateExecution(ctx, exec, store.ExecutionPending))

	total, err := s.CountRetries(ctx, a.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	total, err = s.CountRetries(ctx, b.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	total, err = s.CountRetries(ctx, a.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func testCountRetriesByRetryTime(t *testing.T, s store.Store) {
	clocked, ok := s.(Clocked)
	if !ok {
		t.Skip("store clock cannot be set")
	}
	ctx := context.Background()
	a := mustAutomation(t, s)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	var now atomic.Int64
	clocked.SetClock(func() time.Time { return time.Unix(0, now.Load()).UTC() })

	// Created late yesterday, retried once yesterday and once today.
	now.Store(today.Add(-time.Hour).UnixNano())
	exec, _, err := s.InsertExecution(ctx, &store.Execution{AutomationID: a.ID, ExternalEventID: "overnight"})
	require.NoError(t, err)
	retryOnce(t, s, exec)

	now.Store(today.Add(30 * time.Minute).UnixNano())
	retryOnce(t, s, exec)

	total, err := s.CountRetries(ctx, a.ID, today)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "only today's retry counts against today")

	total, err = s.CountRetries(ctx, a.ID, today.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
