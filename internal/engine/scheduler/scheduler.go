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

// Package scheduler fires periodic scan cycles per service family.
//
// Each family gets its own timer, rescheduled with jitter after every tick.
// Cycles run on their own goroutines: a tick never waits for the previous
// cycle, and a failed cycle is only logged; the next tick retries it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
)

// MinInterval is the shortest scan period a family may use.
const MinInterval = 10 * time.Second

// CycleFunc runs one scan cycle of a service family.
type CycleFunc func(ctx context.Context, service string) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJitter sets the fraction of the interval used as random spread.
// Values outside [0, 1] are clamped.
func WithJitter(f float64) Option {
	return func(s *Scheduler) {
		s.jitter = min(max(f, 0), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = log.WithComponent(l, "scheduler")
	}
}

// WithMinInterval overrides MinInterval.
func WithMinInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.minInterval = d
	}
}

// Scheduler manages one timer per service family.
type Scheduler struct {
	cycle       CycleFunc
	jitter      float64
	minInterval time.Duration
	logger      *slog.Logger

	// cycleCtx outlives the timers so that Stop lets running cycles finish.
	cycleCtx     context.Context
	cancelCycles context.CancelFunc
	cycles       sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*familyTimer
	stopped bool
}

type familyTimer struct {
	service  string
	interval time.Duration
	cancel   context.CancelFunc
	inFlight atomic.Int32
}

// New creates a Scheduler that calls cycle on every tick.
func New(cycle CycleFunc, opts ...Option) *Scheduler {
	if cycle == nil {
		cycle = func(context.Context, string) error { return nil }
	}
	cycleCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cycle:        cycle,
		jitter:       0.1,
		minInterval:  MinInterval,
		logger:       log.WithComponent(slog.Default(), "scheduler"),
		cycleCtx:     cycleCtx,
		cancelCycles: cancel,
		timers:       make(map[string]*familyTimer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register starts or updates the timer of a service family. The interval
// is raised to the minimum when shorter. The first cycle fires after a
// random delay within the jitter spread so families do not start together.
// The timer stops when ctx is done or on Unregister.
func (s *Scheduler) Register(ctx context.Context, service string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if interval < s.minInterval {
		interval = s.minInterval
	}

	if existing, ok := s.timers[service]; ok {
		if existing.interval == interval {
			return nil
		}
		existing.cancel()
		delete(s.timers, service)
	}

	timerCtx, cancel := context.WithCancel(ctx)
	ft := &familyTimer{service: service, interval: interval, cancel: cancel}
	s.timers[service] = ft

	go s.runTimer(timerCtx, ft)

	s.logger.Info("scheduled service family",
		slog.String(log.ServiceKey, service),
		slog.Duration("interval", interval))
	return nil
}

// Unregister stops the timer of a service family. A running cycle finishes.
func (s *Scheduler) Unregister(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ft, ok := s.timers[service]; ok {
		ft.cancel()
		delete(s.timers, service)
	}
}

// Interval returns the scan period of a family, 0 when not registered.
func (s *Scheduler) Interval(service string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ft, ok := s.timers[service]; ok {
		return ft.interval
	}
	return 0
}

// Services returns the registered families, sorted.
func (s *Scheduler) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	services := make([]string, 0, len(s.timers))
	for service := range s.timers {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func (s *Scheduler) runTimer(ctx context.Context, ft *familyTimer) {
	timer := time.NewTimer(s.initialDelay(ft.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.launch(ft)
			timer.Reset(addJitter(ft.interval, s.jitter))
		}
	}
}

// launch runs one cycle in the background unless the scheduler is stopping.
func (s *Scheduler) launch(ft *familyTimer) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cycles.Add(1)
	s.mu.Unlock()

	if n := ft.inFlight.Add(1); n > 1 {
		s.logger.Warn("scan cycle overlaps a running one",
			slog.String(log.ServiceKey, ft.service),
			slog.Int("in_flight", int(n)))
	}

	go func() {
		defer s.cycles.Done()
		defer ft.inFlight.Add(-1)

		start := time.Now()
		if err := s.cycle(s.cycleCtx, ft.service); err != nil {
			s.logger.Warn("scan cycle failed, retrying next tick",
				slog.String(log.ServiceKey, ft.service),
				slog.Duration(log.DurationKey, time.Since(start)),
				log.Error(err))
		}
	}()
}

// Stop stops every timer and waits for running cycles. When ctx expires
// first, running cycles are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, ft := range s.timers {
		ft.cancel()
	}
	s.timers = make(map[string]*familyTimer)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelCycles()
		return nil
	case <-ctx.Done():
		s.cancelCycles()
		return fmt.Errorf("waiting for scan cycles: %w", ctx.Err())
	}
}

func (s *Scheduler) initialDelay(interval time.Duration) time.Duration {
	return time.Duration(rand.Float64() * s.jitter * float64(interval))
}

// addJitter spreads d by ±f/2 of its length.
func addJitter(d time.Duration, f float64) time.Duration {
	spread := float64(d) * f / 2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
