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
	"fmt"
	"log/slog"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// recoveryBatch caps the executions handled per status and sweep.
const recoveryBatch = 500

// RecoveryReport counts what one sweep recovered.
type RecoveryReport struct {
	// Stale executions were running past StaleAfter and went back through
	// the retry path.
	Stale int `json:"stale"`

	// Requeued executions were due pending ones enqueued again.
	Requeued int `json:"requeued"`
}

// Recover sweeps executions abandoned by a dead or stuck dispatcher.
//
// A running execution whose last write is older than StaleAfter is treated
// as a timed-out attempt: retried if the policy allows, failed otherwise.
// The reaction may thus run twice; delivery is at-least-once. A due pending
// execution older than StaleAfter is enqueued again; the queue drops it if
// it is still queued.
func (d *Dispatcher) Recover(ctx context.Context) (RecoveryReport, error) {
	cutoff := d.now().Add(-d.cfg.StaleAfter)
	return d.recover(ctx, cutoff, false)
}

// RecoverStartup is Recover for a dispatcher whose queue starts empty:
// every due pending execution is enqueued whatever its age.
func (d *Dispatcher) RecoverStartup(ctx context.Context) (RecoveryReport, error) {
	cutoff := d.now().Add(-d.cfg.StaleAfter)
	return d.recover(ctx, cutoff, true)
}

func (d *Dispatcher) recover(ctx context.Context, cutoff time.Time, allPending bool) (RecoveryReport, error) {
	var report RecoveryReport

	stale, err := d.cfg.Executions.ListExecutions(ctx, store.ExecutionFilter{
		Status:        store.ExecutionRunning,
		UpdatedBefore: cutoff,
		Limit:         recoveryBatch,
	})
	if err != nil {
		metrics.RecordPersistenceError("ListExecutions", store.ErrorType(err))
		return report, fmt.Errorf("list stale executions: %w", err)
	}

	for _, exec := range stale {
		reaction := d.reactionOf(ctx, exec.AutomationID)
		logger := log.WithExecution(d.logger, exec.ID, exec.AutomationID).With(slog.String("reaction", reaction))
		logger.Warn("recovering stale execution", slog.Time("updated_at", exec.UpdatedAt))

		cause := &pkgerrors.TimeoutError{Operation: "reaction " + reaction, Duration: d.cfg.StaleAfter}
		if err := d.fail(ctx, logger, exec, reaction, cause, Recoverable); err != nil {
			logger.Error("failed to recover stale execution", log.Error(err))
			continue
		}
		report.Stale++
		metrics.RecordRecovered("stale_running")
	}

	filter := store.ExecutionFilter{
		Status:        store.ExecutionPending,
		UpdatedBefore: cutoff,
		Limit:         recoveryBatch,
	}
	if allPending {
		filter.UpdatedBefore = time.Time{}
	}
	now := d.now()
	for {
		pending, err := d.cfg.Executions.ListExecutions(ctx, filter)
		if err != nil {
			metrics.RecordPersistenceError("ListExecutions", store.ErrorType(err))
			return report, fmt.Errorf("list orphaned executions: %w", err)
		}

		for _, exec := range pending {
			var notBefore time.Time
			if exec.NextAttemptAt != nil {
				if exec.NextAttemptAt.After(now) {
					continue
				}
				notBefore = *exec.NextAttemptAt
			}
			if err := d.cfg.Enqueuer.Enqueue(ctx, exec, notBefore); err != nil {
				d.logger.Warn("failed to requeue pending execution",
					slog.String(log.ExecutionKey, exec.ID),
					log.Error(err))
				continue
			}
			report.Requeued++
			metrics.RecordRecovered("orphaned_pending")
		}

		// Sweeps take one batch; startup pages through the backlog.
		if !allPending || len(pending) < recoveryBatch {
			return report, nil
		}
		filter.Offset += recoveryBatch
	}
}

// sweep runs Recover every RecoveryInterval until ctx is done.
func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := d.Recover(ctx)
			if err != nil {
				d.logger.Error("recovery sweep failed", log.Error(err))
				continue
			}
			if report.Stale+report.Requeued > 0 {
				d.logger.Info("recovery sweep",
					slog.Int("stale", report.Stale),
					slog.Int("requeued", report.Requeued))
			}
		}
	}
}

func (d *Dispatcher) reactionOf(ctx context.Context, automationID string) string {
	a, err := d.cfg.Automations.GetAutomation(ctx, automationID)
	if err != nil {
		return "unknown"
	}
	return reactionLabel(a)
}
