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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

func noopHandler() Handler {
	return HandlerFunc(func(context.Context, Request) (map[string]any, error) {
		return map[string]any{"posted": true}, nil
	})
}

// insert stores a pending execution without enqueueing it.
func (f *fixture) insert(t *testing.T, eventID string) *store.Execution {
	t.Helper()
	exec, created, err := f.store.InsertExecution(context.Background(), &store.Execution{
		AutomationID:    f.automation.ID,
		ExternalEventID: eventID,
		Status:          store.ExecutionPending,
	})
	require.NoError(t, err)
	require.True(t, created)
	return exec
}

// markRunning simulates a worker that claimed exec and then vanished.
func (f *fixture) markRunning(t *testing.T, exec *store.Execution, retries int) {
	t.Helper()
	running := exec.Clone()
	running.Status = store.ExecutionRunning
	running.RetryCount = retries
	started := time.Now().UTC()
	running.StartedAt = &started
	require.NoError(t, f.store.UpdateExecution(context.Background(), running, store.ExecutionPending))
}

func (f *fixture) advance(d time.Duration) {
	f.dispatcher.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func TestRecover_StaleRunningIsRetried(t *testing.T) {
	f := newFixture(t, noopHandler())
	exec := f.insert(t, "issue_42")
	f.markRunning(t, exec, 0)

	report, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Stale, "fresh running execution is left alone")

	f.advance(2 * time.Minute)
	report, err = f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)

	got := f.get(t, exec.ID)
	assert.Equal(t, store.ExecutionPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "timed out")
	assert.Equal(t, 1, f.queue.Len())
}

func TestRecover_StaleRunningPastBudgetFails(t *testing.T) {
	f := newFixture(t, noopHandler())
	exec := f.insert(t, "issue_42")
	f.markRunning(t, exec, 3)

	f.advance(2 * time.Minute)
	report, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)

	got := f.get(t, exec.ID)
	assert.Equal(t, store.ExecutionFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
	assert.Contains(t, got.ErrorMessage, "retries exhausted")
}

func TestRecover_RequeuesOrphanedPending(t *testing.T) {
	f := newFixture(t, noopHandler())
	orphan := f.insert(t, "issue_1")

	waiting := f.insert(t, "issue_2")
	f.markRunning(t, waiting, 0)
	later := time.Now().UTC().Add(time.Hour)
	retry := f.get(t, waiting.ID)
	retry.Status = store.ExecutionPending
	retry.NextAttemptAt = &later
	require.NoError(t, f.store.UpdateExecution(context.Background(), retry, store.ExecutionRunning))

	require.Zero(t, f.queue.Len())

	f.advance(2 * time.Minute)
	report, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Zero(t, report.Stale)

	job, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, job.ExecutionID)
	assert.Zero(t, f.queue.Len())
}

func TestRecover_RecoveredExecutionCompletes(t *testing.T) {
	f := newFixture(t, noopHandler())
	exec := f.insert(t, "issue_42")
	f.markRunning(t, exec, 0)

	f.advance(2 * time.Minute)
	_, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)

	// Back to real time so the retry becomes due shortly.
	f.advance(0)
	retry := f.get(t, exec.ID)
	due := time.Now().UTC()
	retry.NextAttemptAt = &due
	require.NoError(t, f.store.UpdateExecution(context.Background(), retry, store.ExecutionPending))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), exec.ID))

	got := f.get(t, exec.ID)
	assert.Equal(t, store.ExecutionSuccess, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, map[string]any{"posted": true}, got.ResultData)
}

func TestRecoverStartup_RequeuesFreshPending(t *testing.T) {
	f := newFixture(t, noopHandler())
	fresh := f.insert(t, "issue_1")

	report, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Requeued, "sweeps leave recent pending executions to their job")

	report, err = f.dispatcher.RecoverStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	job, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, job.ExecutionID)
}

func TestRecover_LateWriteOfRecoveredAttemptIsDropped(t *testing.T) {
	f := newFixture(t, noopHandler())
	exec := f.insert(t, "issue_42")
	f.markRunning(t, exec, 0)
	abandoned := f.get(t, exec.ID)

	f.advance(2 * time.Minute)
	_, err := f.dispatcher.Recover(context.Background())
	require.NoError(t, err)

	pending := f.get(t, exec.ID)
	due := time.Now().UTC()
	pending.NextAttemptAt = &due
	require.NoError(t, f.store.UpdateExecution(context.Background(), pending, store.ExecutionPending))
	reclaimed, err := f.dispatcher.claim(context.Background(), f.get(t, exec.ID), "http_post")
	require.NoError(t, err)

	// The first worker wakes up and reports success for its own attempt.
	err = f.dispatcher.succeed(context.Background(), f.dispatcher.logger, abandoned, "http_post", map[string]any{"late": true}, time.Second)
	require.NoError(t, err)

	got := f.get(t, exec.ID)
	assert.Equal(t, store.ExecutionRunning, got.Status)
	assert.Nil(t, got.ResultData)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(*reclaimed.StartedAt))
}
