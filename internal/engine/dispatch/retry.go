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
	"math/rand"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/config"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

// RetryPolicy bounds how often and how soon a failed execution is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Scope is config.RetryScopeExecution or config.RetryScopeAutomationDaily.
	Scope string

	// DailyBudget caps retries per automation and UTC day under the
	// automation_daily scope.
	DailyBudget int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Jitter is the fraction of the backoff added at random. Defaults to 0.2.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		Scope:       config.RetryScopeExecution,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
		Jitter:      0.2,
	}
}

// PolicyFromConfig builds a RetryPolicy from dispatcher settings.
func PolicyFromConfig(cfg config.DispatcherConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = cfg.MaxRetries
	if cfg.RetryScope != "" {
		p.Scope = cfg.RetryScope
	}
	p.DailyBudget = cfg.DailyRetryBudget
	if cfg.BaseBackoff > 0 {
		p.BaseBackoff = cfg.BaseBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxBackoff = cfg.MaxBackoff
	}
	return p
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	switch p.Scope {
	case config.RetryScopeExecution:
	case config.RetryScopeAutomationDaily:
		if p.DailyBudget <= 0 {
			return fmt.Errorf("daily_retry_budget must be > 0 with retry scope %s", p.Scope)
		}
	default:
		return fmt.Errorf("unknown retry scope %q", p.Scope)
	}
	if p.BaseBackoff <= 0 {
		return fmt.Errorf("base_backoff must be > 0, got %v", p.BaseBackoff)
	}
	if p.MaxBackoff < p.BaseBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= base_backoff (%v)", p.MaxBackoff, p.BaseBackoff)
	}
	return nil
}

// Backoff returns the delay before retry number n (1-based), doubling from
// BaseBackoff up to MaxBackoff, plus jitter. A longer delay requested by
// the failing service wins.
func (p RetryPolicy) Backoff(n int, requested time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := float64(p.BaseBackoff)
	for i := 1; i < n && backoff < float64(p.MaxBackoff); i++ {
		backoff *= 2
	}
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += rand.Float64() * backoff * p.Jitter
	}

	d := time.Duration(backoff)
	if requested > d {
		d = requested
	}
	return d
}

// RetryCounter counts an automation's retries scheduled since a point in time.
type RetryCounter interface {
	CountRetries(ctx context.Context, automationID string, since time.Time) (int, error)
}

// allow reports whether exec may be retried once more. The reason explains
// a refusal.
func (p RetryPolicy) allow(ctx context.Context, counter RetryCounter, exec *store.Execution, now time.Time) (bool, string, error) {
	if exec.RetryCount >= p.MaxRetries {
		return false, fmt.Sprintf("retries exhausted after %d attempts", exec.RetryCount+1), nil
	}
	if p.Scope != config.RetryScopeAutomationDaily {
		return true, "", nil
	}

	day := now.UTC().Truncate(24 * time.Hour)
	used, err := counter.CountRetries(ctx, exec.AutomationID, day)
	if err != nil {
		return false, "", fmt.Errorf("count retries: %w", err)
	}
	if used >= p.DailyBudget {
		return false, fmt.Sprintf("daily retry budget of %d exhausted for automation", p.DailyBudget), nil
	}
	return true, "", nil
}
