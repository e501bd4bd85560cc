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

// Package queue provides the work queue between the execution ledger and the
// reaction dispatcher.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Job asks the dispatcher to run one execution.
type Job struct {
	ExecutionID  string
	AutomationID string

	// NotBefore delays the job, e.g. for retry backoff. Zero means now.
	NotBefore time.Time

	EnqueuedAt time.Time
}

// Queue is a work queue of dispatch jobs.
type Queue interface {
	// Enqueue adds a job. A job whose execution is already queued is dropped.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue returns the next due job. Blocks until one is due, the
	// context is cancelled or the queue is closed.
	Dequeue(ctx context.Context) (Job, error)

	// Len returns the number of queued jobs, due or not.
	Len() int

	// Close closes the queue. Queued jobs are dropped.
	Close() error
}

// MemoryQueue is an in-process queue ordered by NotBefore.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   jobHeap
	queued map[string]bool
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
	now    func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[string]bool),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
		now:    time.Now,
	}
}

// Enqueue adds a job to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	q.mu.Lock()
	if q.queued[job.ExecutionID] {
		q.mu.Unlock()
		return nil
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	heap.Push(&q.jobs, job)
	q.queued[job.ExecutionID] = true
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue removes and returns the next due job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		select {
		case <-q.closed:
			return Job{}, ErrQueueClosed
		default:
		}

		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.jobs) > 0 {
			next := q.jobs[0]
			if d := next.NotBefore.Sub(q.now()); d > 0 {
				wait = d
			} else {
				heap.Pop(&q.jobs)
				delete(q.queued, next.ExecutionID)
				more := len(q.jobs) > 0
				q.mu.Unlock()
				if more {
					// Let another waiting worker look at the rest.
					q.wake()
				}
				return next, nil
			}
		}
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}

		select {
		case <-ctx.Done():
			stopTimer(t)
			return Job{}, ctx.Err()
		case <-q.closed:
			stopTimer(t)
			return Job{}, ErrQueueClosed
		case <-q.signal:
			stopTimer(t)
		case <-timer:
		}
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ErrQueueClosed is returned when the queue is closed.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// QueueError represents a queue error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}

type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].NotBefore.Before(h[j].NotBefore)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}
