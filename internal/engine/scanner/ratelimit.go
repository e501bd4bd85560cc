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

package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrBackedOff is returned by Wait while a service is backing off after a
// rate-limit response.
var ErrBackedOff = errors.New("service is backing off")

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 10 * time.Minute
)

// RateLimiter spaces requests to each service family and backs off after
// rate-limit responses.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*serviceLimit
	now    func() time.Time
}

type serviceLimit struct {
	// nil means no request budget.
	limiter *rate.Limiter

	backoffUntil time.Time
	backoffCount int
}

// NewRateLimiter creates a limiter with no budgets configured.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits: make(map[string]*serviceLimit),
		now:    time.Now,
	}
}

// SetRequestBudget caps requests to service per minute. Zero removes the cap.
func (r *RateLimiter) SetRequestBudget(service string, requestsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreateLimit(service)
	if requestsPerMinute <= 0 {
		limit.limiter = nil
		return
	}
	limit.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
}

// Wait blocks until a request to service is allowed. It fails fast with
// ErrBackedOff while the service is backing off, so one rate-limited service
// does not hold scan workers.
func (r *RateLimiter) Wait(ctx context.Context, service string) error {
	r.mu.Lock()
	limit := r.getOrCreateLimit(service)
	if until := limit.backoffUntil; r.now().Before(until) {
		r.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrBackedOff, until.Format(time.RFC3339))
	}
	limiter := limit.limiter
	r.mu.Unlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// RecordSuccess clears any backoff of service.
func (r *RateLimiter) RecordSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreateLimit(service)
	limit.backoffCount = 0
	limit.backoffUntil = time.Time{}
}

// RecordRateLimit applies exponential backoff: 30s, 60s, 120s, ... capped at
// 10m. A longer retryAfter from the service wins.
func (r *RateLimiter) RecordRateLimit(service string, retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreateLimit(service)
	limit.backoffCount++

	backoff := maxBackoff
	if shift := limit.backoffCount - 1; shift < 5 {
		backoff = min(baseBackoff<<uint(shift), maxBackoff)
	}
	if retryAfter > backoff {
		backoff = retryAfter
	}

	limit.backoffUntil = r.now().Add(backoff)
	return backoff
}

// BackoffStatus returns the backoff end time and whether service is
// currently backed off.
func (r *RateLimiter) BackoffStatus(service string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, exists := r.limits[service]
	if !exists {
		return time.Time{}, false
	}
	if r.now().Before(limit.backoffUntil) {
		return limit.backoffUntil, true
	}
	return time.Time{}, false
}

func (r *RateLimiter) getOrCreateLimit(service string) *serviceLimit {
	limit, exists := r.limits[service]
	if !exists {
		limit = &serviceLimit{}
		r.limits[service] = limit
	}
	return limit
}
