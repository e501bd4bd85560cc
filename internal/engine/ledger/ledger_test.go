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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/queue"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/memory"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/storetest"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// flakyQueue fails the first n Enqueue calls.
type flakyQueue struct {
	*queue.MemoryQueue
	failures int32
	calls    atomic.Int32
}

func (q *flakyQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if q.calls.Add(1) <= q.failures {
		return errors.New("queue unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, job)
}

// brokenStore fails every insert.
type brokenStore struct {
	store.ExecutionStore
}

func (brokenStore) InsertExecution(context.Context, *store.Execution) (*store.Execution, bool, error) {
	return nil, false, errors.New("database is locked")
}

func setup(t *testing.T, q queue.Queue) (*Ledger, *memory.Store, *store.Automation) {
	t.Helper()
	s := memory.New()
	a := storetest.NewAutomation("user-1")
	require.NoError(t, s.CreateAutomation(context.Background(), a))

	l, err := New(Config{
		Store:          s,
		Queue:          q,
		EnqueueBackoff: 1,
		Logger:         log.Discard(),
	})
	require.NoError(t, err)
	return l, s, a
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{Queue: queue.NewMemoryQueue()})
	assert.Error(t, err)

	_, err = New(Config{Store: memory.New()})
	assert.Error(t, err)
}

func TestRecordTrigger_Created(t *testing.T) {
	q := queue.NewMemoryQueue()
	l, s, a := setup(t, q)
	ctx := context.Background()

	exec, created, err := l.RecordTrigger(ctx, a, Event{
		ExternalID: "issue_42",
		Data:       map[string]any{"number": 42, "access_token": "gho_abc"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.ExecutionPending, exec.Status)
	assert.Equal(t, "issue_42", exec.ExternalEventID)
	assert.Equal(t, map[string]any{"number": 42}, exec.TriggerData)

	stored, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.TriggerData, "access_token")

	assert.Equal(t, 1, q.Len())
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, job.ExecutionID)
	assert.Equal(t, a.ID, job.AutomationID)
}

func TestRecordTrigger_Duplicate(t *testing.T) {
	q := queue.NewMemoryQueue()
	l, _, a := setup(t, q)
	ctx := context.Background()

	first, created, err := l.RecordTrigger(ctx, a, Event{ExternalID: "delivery-1", Source: SourceWebhook})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := l.RecordTrigger(ctx, a, Event{ExternalID: "delivery-1", Source: SourcePoll})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Only the created execution is handed off.
	assert.Equal(t, 1, q.Len())
}

func TestRecordTrigger_ConcurrentCallersCreateOnce(t *testing.T) {
	q := queue.NewMemoryQueue()
	l, s, a := setup(t, q)
	ctx := context.Background()

	const callers = 32
	var (
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			exec, ok, err := l.RecordTrigger(ctx, a, Event{ExternalID: "E", Data: map[string]any{"n": 1}})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[exec.ID] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	execs, err := s.ListExecutions(ctx, store.ExecutionFilter{AutomationID: a.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	assert.Equal(t, 1, q.Len())
}

func TestRecordTrigger_EmptyExternalID(t *testing.T) {
	l, _, a := setup(t, queue.NewMemoryQueue())

	_, created, err := l.RecordTrigger(context.Background(), a, Event{})
	require.Error(t, err)
	assert.False(t, created)

	var verr *pkgerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "external_event_id", verr.Field)
}

func TestRecordTrigger_EnqueueRetried(t *testing.T) {
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue(), failures: 2}
	l, _, a := setup(t, q)

	_, created, err := l.RecordTrigger(context.Background(), a, Event{ExternalID: "E"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int32(3), q.calls.Load())
	assert.Equal(t, 1, q.Len())
}

func TestRecordTrigger_EnqueueExhaustedLeavesPending(t *testing.T) {
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue(), failures: 100}
	l, s, a := setup(t, q)
	ctx := context.Background()

	exec, created, err := l.RecordTrigger(ctx, a, Event{ExternalID: "E"})
	require.NoError(t, err, "a failed handoff is not a recording failure")
	assert.True(t, created)
	assert.Equal(t, int32(3), q.calls.Load())
	assert.Equal(t, 0, q.Len())

	stored, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionPending, stored.Status)
}

func TestRecordTrigger_ClosedQueueNotRetried(t *testing.T) {
	q := queue.NewMemoryQueue()
	require.NoError(t, q.Close())
	l, _, a := setup(t, q)

	_, created, err := l.RecordTrigger(context.Background(), a, Event{ExternalID: "E"})
	require.NoError(t, err)
	assert.True(t, created)

	err = l.Enqueue(context.Background(), &store.Execution{ID: "x"}, time.Time{})
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

func TestRecordTrigger_PersistenceErrorSurfaced(t *testing.T) {
	q := queue.NewMemoryQueue()
	l, err := New(Config{Store: brokenStore{}, Queue: q, Logger: log.Discard()})
	require.NoError(t, err)

	exec, created, err := l.RecordTrigger(context.Background(), storetest.NewAutomation("u"), Event{ExternalID: "E"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Nil(t, exec)
	assert.False(t, created)
	assert.Equal(t, 0, q.Len())
}

func TestRecordTrigger_DistinctEventsEachCreated(t *testing.T) {
	q := queue.NewMemoryQueue()
	l, _, a := setup(t, q)

	for i := 0; i < 5; i++ {
		_, created, err := l.RecordTrigger(context.Background(), a, Event{ExternalID: fmt.Sprintf("issue_%d", i)})
		require.NoError(t, err)
		assert.True(t, created)
	}
	assert.Equal(t, 5, q.Len())
}
