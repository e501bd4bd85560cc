package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_FIFOForDueJobs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: id}))
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, job.ExecutionID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_DropsDuplicateExecution(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: "a"}))
	assert.Equal(t, 1, q.Len())

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Once dequeued the execution may be queued again, e.g. for a retry.
	require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: "a"}))
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_DelayedJob(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: "later", NotBefore: start.Add(50 * time.Millisecond)}))
	require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: "now"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", job.ExecutionID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", job.ExecutionID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Job{ExecutionID: "x"}))

	select {
	case job := <-got:
		assert.Equal(t, "x", job.ExecutionID)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryQueue_ManyWorkers(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const jobs = 50
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ExecutionID]++
				done := len(seen) == jobs
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}

	for i := range jobs {
		require.NoError(t, q.Enqueue(context.Background(), Job{ExecutionID: string(rune('A' + i))}))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.True(t, errors.Is(<-errCh, ErrQueueClosed))
	assert.ErrorIs(t, q.Enqueue(ctx, Job{ExecutionID: "a"}), ErrQueueClosed)
}

func TestMemoryQueue_ContextCancelled(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
