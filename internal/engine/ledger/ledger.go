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

// Package ledger turns trigger events into execution records, exactly once
// per (automation, external event id), and hands new executions to the
// dispatch queue.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/queue"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/sanitize"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tracing"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// Source names where a trigger event came from.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceWebhook Source = "webhook"
	SourceReplay  Source = "replay"
)

// Event is one trigger occurrence to record.
type Event struct {
	// ExternalID must be stable across repeated deliveries of the same
	// underlying event. It is the dedup key.
	ExternalID string
	Data       map[string]any
	Source     Source
}

// Config configures a Ledger.
type Config struct {
	Store store.ExecutionStore
	Queue queue.Queue

	// EnqueueAttempts bounds handoff retries. Defaults to 3.
	EnqueueAttempts int

	// EnqueueBackoff is the delay before the second attempt, doubled after
	// each failure. Defaults to 50ms.
	EnqueueBackoff time.Duration

	Logger *slog.Logger
}

// Ledger records trigger events.
type Ledger struct {
	store    store.ExecutionStore
	queue    queue.Queue
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// New creates a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("ledger: queue is required")
	}
	if cfg.EnqueueAttempts <= 0 {
		cfg.EnqueueAttempts = 3
	}
	if cfg.EnqueueBackoff <= 0 {
		cfg.EnqueueBackoff = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ledger{
		store:    cfg.Store,
		queue:    cfg.Queue,
		attempts: cfg.EnqueueAttempts,
		backoff:  cfg.EnqueueBackoff,
		logger:   log.WithComponent(cfg.Logger, "ledger"),
	}, nil
}

// RecordTrigger creates the execution for (a, ev.ExternalID) unless one
// exists. Concurrent callers for the same pair get exactly one created=true;
// the others receive the existing record with created=false and no error.
//
// A persistence error means the event was not recorded; the caller must not
// advance past it. A failed queue handoff is not an error: the execution is
// durable in pending state and the recovery sweep re-enqueues it.
func (l *Ledger) RecordTrigger(ctx context.Context, a *store.Automation, ev Event) (*store.Execution, bool, error) {
	if ev.ExternalID == "" {
		return nil, false, &pkgerrors.ValidationError{Field: "external_event_id", Message: "must not be empty"}
	}
	if ev.Source == "" {
		ev.Source = SourcePoll
	}

	ctx, span := tracing.StartRecord(ctx, a.ID, ev.ExternalID, string(ev.Source))
	defer span.End()

	logger := l.logger.With(
		slog.String(log.AutomationKey, a.ID),
		slog.String(log.EventIDKey, ev.ExternalID),
		slog.String("source", string(ev.Source)),
	)

	exec, created, err := l.store.InsertExecution(ctx, &store.Execution{
		AutomationID:    a.ID,
		ExternalEventID: ev.ExternalID,
		Status:          store.ExecutionPending,
		TriggerData:     sanitize.Payload(ev.Data, a.TriggerService),
	})
	if err != nil {
		span.RecordError(err)
		metrics.RecordLedger(string(ev.Source), "error")
		metrics.RecordPersistenceError("InsertExecution", store.ErrorType(err))
		return nil, false, fmt.Errorf("record trigger %s for automation %s: %w", ev.ExternalID, a.ID, err)
	}

	if !created {
		metrics.RecordLedger(string(ev.Source), "duplicate")
		span.SetAttributes(map[string]any{"area.created": false})
		logger.Debug("duplicate trigger ignored", slog.String(log.ExecutionKey, exec.ID))
		return exec, false, nil
	}

	metrics.RecordLedger(string(ev.Source), "created")
	span.SetAttributes(map[string]any{"area.created": true, "area.execution_id": exec.ID})
	logger.Info("execution recorded", slog.String(log.ExecutionKey, exec.ID))

	if err := l.Enqueue(ctx, exec, time.Time{}); err != nil {
		logger.Warn("execution left pending for recovery",
			slog.String(log.ExecutionKey, exec.ID),
			log.Error(err))
	}

	return exec, true, nil
}

// Enqueue hands exec to the dispatch queue, retrying with exponential
// backoff up to the configured number of attempts.
func (l *Ledger) Enqueue(ctx context.Context, exec *store.Execution, notBefore time.Time) error {
	job := queue.Job{
		ExecutionID:  exec.ID,
		AutomationID: exec.AutomationID,
		NotBefore:    notBefore,
		EnqueuedAt:   time.Now(),
	}

	delay := l.backoff
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if err = l.queue.Enqueue(ctx, job); err == nil {
			metrics.SetQueueDepth(l.queue.Len())
			return nil
		}
		if errors.Is(err, queue.ErrQueueClosed) || attempt == l.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", exec.ID, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	metrics.RecordLedger("enqueue", "error")
	return fmt.Errorf("enqueue %s after %d attempts: %w", exec.ID, l.attempts, err)
}
