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

// Package engine assembles the automation execution engine: the execution
// ledger, the trigger scanners, the reaction dispatcher and the scheduler,
// over one store and one work queue.
//
// Every entry point (scheduled scans, manual scans, replays and webhook
// deliveries) records triggers through the same ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/catalog"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/config"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/dispatch"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/ledger"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/queue"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scheduler"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/jq"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// Config configures an Engine.
type Config struct {
	Store   store.Store
	Catalog *catalog.Catalog
	Tokens  tokens.Provider

	// Settings supplies the scheduler and dispatcher sections. Defaults
	// to config.Default().
	Settings *config.Config

	Logger *slog.Logger
}

// Engine owns the running components.
type Engine struct {
	store      store.Store
	catalog    *catalog.Catalog
	settings   *config.Config
	queue      *queue.MemoryQueue
	ledger     *ledger.Ledger
	scanner    *scanner.Scanner
	handlers   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	mapper     *jq.Executor
	logger     *slog.Logger

	matchMu  sync.RWMutex
	matchers map[string]Matcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds an Engine. Pollers and handlers are added with RegisterPoller
// and RegisterHandler before Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("engine: token provider is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.New()
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sched := cfg.Settings.Scheduler
	disp := cfg.Settings.Dispatcher

	q := queue.NewMemoryQueue()

	l, err := ledger.New(ledger.Config{
		Store:           cfg.Store,
		Queue:           q,
		EnqueueAttempts: disp.EnqueueAttempts,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	limiter := scanner.NewRateLimiter()
	for service, rpm := range sched.RequestsPerMinute {
		limiter.SetRequestBudget(service, rpm)
	}

	sc, err := scanner.New(scanner.Config{
		States:            cfg.Store,
		Recorder:          l,
		Tokens:            cfg.Tokens,
		Credentials:       cfg.Catalog,
		Limiter:           limiter,
		Concurrency:       sched.Concurrency,
		ScanTimeout:       sched.ScanTimeout,
		AutomationTimeout: sched.AutomationTimeout,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	handlers := dispatch.NewRegistry()
	mapper := jq.NewExecutor(0, 0)
	policy := dispatch.PolicyFromConfig(disp)
	d, err := dispatch.New(dispatch.Config{
		Automations:      cfg.Store,
		Executions:       cfg.Store,
		Queue:            q,
		Enqueuer:         l,
		Handlers:         handlers,
		Tokens:           cfg.Tokens,
		Credentials:      cfg.Catalog,
		Mapper:           mapper,
		Policy:           &policy,
		Workers:          disp.Workers,
		HandlerTimeout:   disp.HandlerTimeout,
		StaleAfter:       disp.StaleAfter,
		RecoveryInterval: disp.RecoveryInterval,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		settings:   cfg.Settings,
		queue:      q,
		ledger:     l,
		scanner:    sc,
		handlers:   handlers,
		dispatcher: d,
		mapper:     mapper,
		matchers:   make(map[string]Matcher),
		logger:     log.WithComponent(cfg.Logger, "engine"),
	}
	e.scheduler = scheduler.New(e.scanCycle,
		scheduler.WithJitter(sched.Jitter),
		scheduler.WithLogger(cfg.Logger))
	return e, nil
}

// Catalog returns the service catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Store returns the store.
func (e *Engine) Store() store.Store { return e.store }

// RegisterPoller adds the trigger poller of a service family.
func (e *Engine) RegisterPoller(p scanner.Poller, opts ...scanner.Option) error {
	return e.scanner.Register(p, opts...)
}

// RegisterHandler adds the handler of a reaction.
func (e *Engine) RegisterHandler(reaction string, h dispatch.Handler) error {
	return e.handlers.Register(reaction, h)
}

// RegisterMatcher sets how pushed events of a trigger action are matched
// to automation trigger configs. Actions without one use MatchAttributes.
func (e *Engine) RegisterMatcher(action string, m Matcher) error {
	if action == "" || m == nil {
		return fmt.Errorf("engine: matcher needs an action and a function")
	}
	e.matchMu.Lock()
	defer e.matchMu.Unlock()
	if _, exists := e.matchers[action]; exists {
		return fmt.Errorf("engine: matcher for %s already registered", action)
	}
	e.matchers[action] = m
	return nil
}

func (e *Engine) matcher(action string) Matcher {
	e.matchMu.RLock()
	defer e.matchMu.RUnlock()
	if m, ok := e.matchers[action]; ok {
		return m
	}
	return MatchAttributes
}

// Start schedules every registered service family and starts the
// dispatcher. It returns immediately; Shutdown stops both.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, service := range e.scanner.Services() {
		if err := e.scheduler.Register(runCtx, service, e.settings.Scheduler.IntervalFor(service)); err != nil {
			cancel()
			return err
		}
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go func() {
		defer close(e.done)
		if err := e.dispatcher.Run(runCtx); err != nil {
			e.logger.Error("dispatcher stopped", log.Error(err))
		}
	}()

	e.logger.Info("engine started",
		slog.Any("services", e.scanner.Services()),
		slog.Any("reactions", e.handlers.Names()))
	return nil
}

// Shutdown stops scheduling, lets running scans and dispatches finish
// within ctx, then closes the queue. Queued jobs stay pending in the store
// and are picked up by the recovery sweeper of the next run.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	var errs []error
	if err := e.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if started {
		e.cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for dispatcher: %w", ctx.Err()))
		}
	}

	if err := e.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Ready reports whether the store is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	if p, ok := e.store.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (e *Engine) scanCycle(ctx context.Context, service string) error {
	_, err := e.ScanNow(ctx, service)
	return err
}

// ScanNow runs one scan cycle of a service family over its active
// automations, exactly as a scheduled tick does.
func (e *Engine) ScanNow(ctx context.Context, service string) (scanner.Summary, error) {
	if !e.scanner.Has(service) {
		return scanner.Summary{Service: service}, fmt.Errorf("%w: %s", scanner.ErrUnknownService, service)
	}

	automations, err := e.store.ListAutomations(ctx, store.AutomationFilter{
		Status:         store.AutomationActive,
		TriggerService: service,
	})
	if err != nil {
		metrics.RecordPersistenceError("ListAutomations", store.ErrorType(err))
		return scanner.Summary{Service: service}, fmt.Errorf("list automations of %s: %w", service, err)
	}
	return e.scanner.Scan(ctx, service, automations)
}

// Replay scans one automation now. With reset, its polling state is
// dropped first so the scanner starts over; events already recorded are
// deduplicated by the ledger.
func (e *Engine) Replay(ctx context.Context, automationID string, reset bool) (scanner.Summary, error) {
	a, err := e.store.GetAutomation(ctx, automationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scanner.Summary{}, &pkgerrors.NotFoundError{Resource: "automation", ID: automationID}
		}
		return scanner.Summary{}, fmt.Errorf("load automation %s: %w", automationID, err)
	}
	if a.Status != store.AutomationActive {
		return scanner.Summary{}, &pkgerrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("automation %s is %s", a.ID, a.Status),
		}
	}
	if !e.scanner.Has(a.TriggerService) {
		return scanner.Summary{}, fmt.Errorf("%w: %s", scanner.ErrUnknownService, a.TriggerService)
	}

	if reset {
		if err := e.store.DeletePollingState(ctx, a.ID); err != nil {
			return scanner.Summary{}, fmt.Errorf("reset polling state: %w", err)
		}
		log.WithAutomation(e.logger, a.ID, a.TriggerService).Info("polling state reset for replay")
	}
	return e.scanner.Replay(ctx, a.TriggerService, []*store.Automation{a})
}

// Executions returns execution history, newest first.
func (e *Engine) Executions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// ImportAutomation validates a against the catalog and stores it.
// Invalid configurations are rejected here and never reach the scanners.
func (e *Engine) ImportAutomation(ctx context.Context, a *store.Automation) error {
	if a.Status == "" {
		a.Status = store.AutomationActive
	}
	if !a.Status.IsValid() {
		return &pkgerrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", a.Status)}
	}
	if err := e.catalog.ValidateAutomation(a); err != nil {
		return err
	}
	for param, expression := range a.InputMapping {
		if err := e.mapper.Validate(expression); err != nil {
			return &pkgerrors.ValidationError{Field: "input_mapping." + param, Message: err.Error()}
		}
	}
	return e.store.CreateAutomation(ctx, a)
}
