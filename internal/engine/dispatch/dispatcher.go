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

// Package dispatch runs the reactions of recorded executions.
//
// Every execution moves through a compare-and-set state machine:
//
//	pending -> running -> success
//	                   -> failed
//	running -> pending (retry with backoff)
//
// A worker claims a pending execution by switching it to running; only the
// claimer may finish it. Failures are classified as recoverable or
// terminal; recoverable ones are retried until the RetryPolicy refuses.
// The recovery sweeper returns executions abandoned in running state to the
// retry path and re-enqueues pending executions whose job was lost.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/queue"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/sanitize"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/jq"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tracing"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// writeTimeout bounds the state write that closes an attempt. The write
// is detached from the caller so shutdown never strands a running execution.
const writeTimeout = 5 * time.Second

// Enqueuer hands an execution to the work queue. The ledger implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, exec *store.Execution, notBefore time.Time) error
}

// Mapper evaluates an automation's input mapping against trigger data.
type Mapper interface {
	Map(ctx context.Context, mapping map[string]string, data map[string]any) (map[string]any, error)
}

// CredentialPolicy tells whether a service needs a user credential.
type CredentialPolicy interface {
	NeedsCredential(service string) bool
}

// Config configures a Dispatcher.
type Config struct {
	Automations store.AutomationStore
	Executions  store.ExecutionStore
	Queue       queue.Queue
	Enqueuer    Enqueuer
	Handlers    *Registry
	Tokens      tokens.Provider

	// Credentials defaults to requiring a credential for every service.
	Credentials CredentialPolicy

	// Mapper defaults to a jq executor.
	Mapper Mapper

	// Policy defaults to DefaultRetryPolicy.
	Policy *RetryPolicy

	// Workers defaults to 4.
	Workers int

	// HandlerTimeout bounds one handler call. Defaults to 30s.
	HandlerTimeout time.Duration

	// StaleAfter is how long an execution may sit in running or pending
	// before the sweeper recovers it. Defaults to 10m and must exceed
	// HandlerTimeout.
	StaleAfter time.Duration

	// RecoveryInterval is the sweeper period. Defaults to 1m.
	RecoveryInterval time.Duration

	Logger *slog.Logger
}

// Dispatcher claims queued executions and runs their reactions.
type Dispatcher struct {
	cfg    Config
	policy RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

type requireAll struct{}

func (requireAll) NeedsCredential(string) bool { return true }

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Automations == nil:
		return nil, fmt.Errorf("dispatch: automation store is required")
	case cfg.Executions == nil:
		return nil, fmt.Errorf("dispatch: execution store is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("dispatch: queue is required")
	case cfg.Enqueuer == nil:
		return nil, fmt.Errorf("dispatch: enqueuer is required")
	case cfg.Handlers == nil:
		return nil, fmt.Errorf("dispatch: handler registry is required")
	case cfg.Tokens == nil:
		return nil, fmt.Errorf("dispatch: token provider is required")
	}

	policy := DefaultRetryPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	if cfg.Credentials == nil {
		cfg.Credentials = requireAll{}
	}
	if cfg.Mapper == nil {
		cfg.Mapper = jq.NewExecutor(0, 0)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.StaleAfter <= cfg.HandlerTimeout {
		return nil, fmt.Errorf("dispatch: stale_after (%v) must exceed handler_timeout (%v)", cfg.StaleAfter, cfg.HandlerTimeout)
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		cfg:    cfg,
		policy: policy,
		logger: log.WithComponent(cfg.Logger, "dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run starts the workers and the recovery sweeper and blocks until ctx is
// cancelled or the queue is closed. In-flight attempts are allowed to
// finish, bounded by HandlerTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	if report, err := d.RecoverStartup(ctx); err != nil {
		d.logger.Warn("startup recovery failed", log.Error(err))
	} else if report.Stale+report.Requeued > 0 {
		d.logger.Info("recovered executions at startup",
			slog.Int("stale", report.Stale),
			slog.Int("requeued", report.Requeued))
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		d.sweep(sweepCtx)
	}()

	d.logger.Info("dispatcher started", slog.Int("workers", d.cfg.Workers))

	var workers sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			d.work(ctx, id)
		}(i)
	}
	workers.Wait()

	stopSweep()
	sweeper.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(slog.Int("worker", id))
	for {
		job, err := d.cfg.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		metrics.SetQueueDepth(d.cfg.Queue.Len())

		if err := d.Dispatch(context.WithoutCancel(ctx), job.ExecutionID); err != nil {
			logger.Error("dispatch failed",
				slog.String(log.ExecutionKey, job.ExecutionID),
				log.Error(err))
		}
	}
}

// Dispatch makes one attempt at the execution. It is a no-op when the
// execution is no longer pending, and re-enqueues it when its retry
// backoff has not elapsed. The returned error reports infrastructure
// failures only; reaction failures are recorded on the execution.
func (d *Dispatcher) Dispatch(ctx context.Context, executionID string) error {
	exec, err := d.cfg.Executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dropping job of unknown execution", slog.String(log.ExecutionKey, executionID))
			return nil
		}
		metrics.RecordPersistenceError("GetExecution", store.ErrorType(err))
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Status != store.ExecutionPending {
		return nil
	}
	if exec.NextAttemptAt != nil && exec.NextAttemptAt.After(d.now()) {
		return d.cfg.Enqueuer.Enqueue(ctx, exec, *exec.NextAttemptAt)
	}

	a, err := d.cfg.Automations.GetAutomation(ctx, exec.AutomationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.RecordPersistenceError("GetAutomation", store.ErrorType(err))
		return fmt.Errorf("load automation %s: %w", exec.AutomationID, err)
	}
	reaction := reactionLabel(a)

	running, err := d.claim(ctx, exec, reaction)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	return d.run(ctx, a, running, reaction)
}

func (d *Dispatcher) claim(ctx context.Context, exec *store.Execution, reaction string) (*store.Execution, error) {
	running := exec.Clone()
	running.Status = store.ExecutionRunning
	started := d.now()
	running.StartedAt = &started
	running.NextAttemptAt = nil
	running.CompletedAt = nil

	if err := d.cfg.Executions.UpdateExecution(ctx, running, store.ExecutionPending); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			metrics.RecordPersistenceError("UpdateExecution", store.ErrorType(err))
		}
		return nil, fmt.Errorf("claim execution %s: %w", exec.ID, err)
	}
	metrics.RecordTransition(reaction, string(store.ExecutionRunning))
	return running, nil
}

func (d *Dispatcher) run(ctx context.Context, a *store.Automation, exec *store.Execution, reaction string) error {
	attempt := exec.RetryCount + 1
	ctx = tracing.ToContext(ctx, tracing.CorrelationID(exec.ID))
	ctx, span := tracing.StartDispatch(ctx, exec.ID, reaction, attempt)
	defer span.End()

	logger := log.WithExecution(d.logger, exec.ID, exec.AutomationID).With(
		slog.String("reaction", reaction),
		slog.Int("attempt", attempt))

	start := time.Now()
	result, err := d.attempt(ctx, a, exec, attempt)
	elapsed := time.Since(start)

	if err == nil {
		metrics.ObserveDispatch(reaction, string(store.ExecutionSuccess), elapsed)
		return d.succeed(ctx, logger, exec, reaction, result, elapsed)
	}

	span.RecordError(err)
	class := Classify(err)
	metrics.ObserveDispatch(reaction, class.String(), elapsed)
	return d.fail(ctx, logger, exec, reaction, err, class)
}

// attempt resolves the handler, the credential and the parameters, then
// calls the handler under HandlerTimeout.
func (d *Dispatcher) attempt(ctx context.Context, a *store.Automation, exec *store.Execution, n int) (map[string]any, error) {
	if a == nil {
		return nil, &pkgerrors.NotFoundError{Resource: "automation", ID: exec.AutomationID}
	}
	if a.Status == store.AutomationDisabled {
		return nil, Permanent(fmt.Errorf("automation %s is disabled", a.ID))
	}

	h, err := d.cfg.Handlers.Get(a.Reaction)
	if err != nil {
		return nil, err
	}

	var cred *tokens.Credential
	if d.cfg.Credentials.NeedsCredential(a.ReactionService) {
		cred, err = d.cfg.Tokens.Token(ctx, a.OwnerID, a.ReactionService)
		if err != nil {
			if errors.Is(err, tokens.ErrNoCredential) {
				return nil, &pkgerrors.CredentialError{UserID: a.OwnerID, Service: a.ReactionService, Cause: err}
			}
			return nil, fmt.Errorf("resolve credential: %w", err)
		}
	}

	params := maps.Clone(a.ReactionConfig)
	if params == nil {
		params = make(map[string]any)
	}
	if len(a.InputMapping) > 0 {
		mapped, err := d.cfg.Mapper.Map(ctx, a.InputMapping, exec.TriggerData)
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "input_mapping", Message: err.Error()}
		}
		maps.Copy(params, mapped)
	}

	req := Request{
		ExecutionID:  exec.ID,
		AutomationID: a.ID,
		OwnerID:      a.OwnerID,
		Reaction:     a.Reaction,
		Attempt:      n,
		TriggerData:  maps.Clone(exec.TriggerData),
		Params:       params,
		Credential:   cred,
	}

	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.Execute(hctx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &pkgerrors.TimeoutError{Operation: "reaction " + a.Reaction, Duration: d.cfg.HandlerTimeout, Cause: out.err}
		}
		return out.result, out.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &pkgerrors.TimeoutError{Operation: "reaction " + a.Reaction, Duration: d.cfg.HandlerTimeout}
	}
}

func (d *Dispatcher) succeed(ctx context.Context, logger *slog.Logger, exec *store.Execution, reaction string, result map[string]any, elapsed time.Duration) error {
	done := exec.Clone()
	done.Status = store.ExecutionSuccess
	done.ResultData = result
	done.ErrorMessage = ""
	done.CompletedAt = d.completedAt(exec)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := d.cfg.Executions.UpdateExecution(wctx, done, store.ExecutionRunning); err != nil {
		return d.writeFailed(logger, err)
	}

	metrics.RecordTransition(reaction, string(store.ExecutionSuccess))
	logger.Info("reaction succeeded", slog.Duration(log.DurationKey, elapsed))
	return nil
}

// fail records a failed attempt on a running execution: back to pending
// when a retry is allowed, failed otherwise.
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, exec *store.Execution, reaction string, cause error, class Class) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	msg := sanitize.ErrorMessage(cause)
	if class == Recoverable {
		now := d.now()
		ok, reason, err := d.policy.allow(wctx, d.cfg.Executions, exec, now)
		if err != nil {
			logger.Warn("retry budget lookup failed", log.Error(err))
			ok = exec.RetryCount < d.policy.MaxRetries
		}
		if ok {
			return d.retry(wctx, logger, exec, reaction, cause, msg, now)
		}
		msg = reason + ": " + msg
	}

	failed := exec.Clone()
	failed.Status = store.ExecutionFailed
	failed.ErrorMessage = msg
	failed.NextAttemptAt = nil
	failed.CompletedAt = d.completedAt(exec)

	if err := d.cfg.Executions.UpdateExecution(wctx, failed, store.ExecutionRunning); err != nil {
		return d.writeFailed(logger, err)
	}

	metrics.RecordTransition(reaction, string(store.ExecutionFailed))
	logger.Warn("reaction failed",
		slog.String("class", class.String()),
		slog.Int("retries", exec.RetryCount),
		slog.String("error", msg))
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, logger *slog.Logger, exec *store.Execution, reaction string, cause error, msg string, now time.Time) error {
	next := exec.Clone()
	next.Status = store.ExecutionPending
	next.RetryCount++
	next.ErrorMessage = msg
	at := now.Add(d.policy.Backoff(next.RetryCount, retryAfter(cause)))
	next.NextAttemptAt = &at

	if err := d.cfg.Executions.UpdateExecution(ctx, next, store.ExecutionRunning); err != nil {
		return d.writeFailed(logger, err)
	}
	metrics.RecordTransition(reaction, string(store.ExecutionPending))

	logger.Info("reaction will be retried",
		slog.Int("retry", next.RetryCount),
		slog.Time("next_attempt_at", at),
		slog.String("error", msg))

	if err := d.cfg.Enqueuer.Enqueue(ctx, next, at); err != nil {
		// The sweeper re-enqueues pending executions whose job was lost.
		logger.Warn("retry not enqueued", log.Error(err))
	}
	return nil
}

// writeFailed handles a failed closing write. A conflict means the sweeper
// or another worker took the execution over; the attempt's outcome is dropped.
func (d *Dispatcher) writeFailed(logger *slog.Logger, err error) error {
	if errors.Is(err, store.ErrConflict) {
		logger.Warn("execution changed while running, outcome dropped", log.Error(err))
		return nil
	}
	metrics.RecordPersistenceError("UpdateExecution", store.ErrorType(err))
	return fmt.Errorf("record outcome: %w", err)
}

// completedAt never precedes the start of the attempt.
func (d *Dispatcher) completedAt(exec *store.Execution) *time.Time {
	t := d.now()
	if exec.StartedAt != nil && t.Before(*exec.StartedAt) {
		t = *exec.StartedAt
	}
	return &t
}

func reactionLabel(a *store.Automation) string {
	if a == nil || a.Reaction == "" {
		return "unknown"
	}
	return a.Reaction
}
