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
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/ledger"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tracing"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// ErrUnknownService is returned when no poller is registered for a service.
var ErrUnknownService = errors.New("no poller registered for service")

// stateSaveTimeout bounds the cursor write that follows an abandoned scan.
const stateSaveTimeout = 5 * time.Second

// Recorder is the execution ledger entry point.
type Recorder interface {
	RecordTrigger(ctx context.Context, a *store.Automation, ev ledger.Event) (*store.Execution, bool, error)
}

// CredentialPolicy tells whether a service needs a user credential.
type CredentialPolicy interface {
	NeedsCredential(service string) bool
}

// Config configures a Scanner.
type Config struct {
	States   store.PollingStateStore
	Recorder Recorder
	Tokens   tokens.Provider

	// Credentials defaults to requiring a credential for every service.
	Credentials CredentialPolicy

	// Limiter defaults to an unlimited RateLimiter.
	Limiter *RateLimiter

	// Concurrency bounds automations scanned in parallel. Defaults to 8.
	Concurrency int

	// ScanTimeout bounds one cycle; AutomationTimeout bounds one automation.
	ScanTimeout       time.Duration
	AutomationTimeout time.Duration

	Logger *slog.Logger
}

// Scanner scans automations of registered service families.
type Scanner struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	families map[string]*family
}

type requireAll struct{}

func (requireAll) NeedsCredential(string) bool { return true }

// New creates a Scanner.
func New(cfg Config) (*Scanner, error) {
	if cfg.States == nil {
		return nil, fmt.Errorf("scanner: polling state store is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("scanner: recorder is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("scanner: token provider is required")
	}
	if cfg.Credentials == nil {
		cfg.Credentials = requireAll{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scanner{
		cfg:      cfg,
		logger:   log.WithComponent(cfg.Logger, "scanner"),
		now:      time.Now,
		families: make(map[string]*family),
	}, nil
}

// Register adds the poller of a service family.
func (s *Scanner) Register(p Poller, opts ...Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := p.Name()
	if _, exists := s.families[name]; exists {
		return fmt.Errorf("poller %s already registered", name)
	}

	f := &family{poller: p, startup: StartupSinceLast}
	for _, opt := range opts {
		opt(f)
	}
	s.families[name] = f

	s.logger.Info("registered poller",
		slog.String(log.ServiceKey, name),
		slog.String("startup", string(f.startup)))
	return nil
}

// Services returns the registered service families, sorted.
func (s *Scanner) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.families))
	for name := range s.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a poller is registered for service.
func (s *Scanner) Has(service string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.families[service]
	return ok
}

// Scan scans automations of service. Per-automation failures are counted
// in the summary and never abort the batch. An error is returned only when
// the cycle as a whole failed: unknown service, or the cycle ran out of time
// before every automation was scanned.
func (s *Scanner) Scan(ctx context.Context, service string, automations []*store.Automation) (Summary, error) {
	return s.scan(ctx, service, automations, ledger.SourcePoll)
}

// Replay scans automations like Scan but records their events with the
// replay source, for manual re-runs.
func (s *Scanner) Replay(ctx context.Context, service string, automations []*store.Automation) (Summary, error) {
	return s.scan(ctx, service, automations, ledger.SourceReplay)
}

func (s *Scanner) scan(ctx context.Context, service string, automations []*store.Automation, source ledger.Source) (Summary, error) {
	s.mu.RLock()
	f, ok := s.families[service]
	s.mu.RUnlock()
	if !ok {
		return Summary{Service: service}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	if s.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ScanTimeout)
		defer cancel()
	}

	start := s.now()
	ctx, span := tracing.StartScan(ctx, service, len(automations))
	defer span.End()

	var (
		mu        sync.Mutex
		summary   = Summary{Service: service}
		abandoned int
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, a := range automations {
		if a.Status != store.AutomationActive || a.TriggerService != service {
			mu.Lock()
			summary.NotPolled++
			mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			abandoned++
			continue
		}

		g.Go(func() error {
			r := s.scanAutomation(ctx, f, a, source)
			mu.Lock()
			defer mu.Unlock()
			summary.Automations++
			summary.Triggered += r.triggered
			summary.Skipped += r.skipped
			switch r.outcome {
			case metrics.OutcomeNotPolled:
				summary.NotPolled++
			case metrics.OutcomeNoCredential:
				summary.NoCredential++
			case metrics.OutcomeErrored:
				summary.Errored++
			}
			return nil
		})
	}
	_ = g.Wait()

	var err error
	if abandoned > 0 || ctx.Err() != nil {
		err = fmt.Errorf("scan of %s abandoned, %d automations left for next cycle: %w", service, abandoned, ctx.Err())
		span.RecordError(err)
	}

	duration := s.now().Sub(start)
	metrics.RecordScanCycle(service, err, duration)
	metrics.RecordScanSummary(service, summary.Triggered, summary.Skipped, summary.NotPolled, summary.NoCredential, summary.Errored)
	span.SetAttributes(map[string]any{
		"area.triggered":     summary.Triggered,
		"area.skipped":       summary.Skipped,
		"area.not_polled":    summary.NotPolled,
		"area.no_credential": summary.NoCredential,
		"area.errored":       summary.Errored,
	})

	s.logger.Info("scan cycle complete",
		slog.String(log.ServiceKey, service),
		slog.Int("automations", summary.Automations),
		slog.Int("triggered", summary.Triggered),
		slog.Int("skipped", summary.Skipped),
		slog.Int("not_polled", summary.NotPolled),
		slog.Int("no_credential", summary.NoCredential),
		slog.Int("errored", summary.Errored),
		slog.Int64(log.DurationKey, duration.Milliseconds()))

	return summary, err
}

type result struct {
	triggered int
	skipped   int
	outcome   string
}

// scanAutomation scans one automation. The polling state is written once,
// after the poll, and its cursor only covers events the ledger accepted.
func (s *Scanner) scanAutomation(ctx context.Context, f *family, a *store.Automation, source ledger.Source) result {
	service := a.TriggerService
	logger := log.WithAutomation(s.logger, a.ID, service)

	if s.cfg.AutomationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AutomationTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartAutomationScan(ctx, a.ID, a.TriggerAction)
	defer span.End()

	var cred *tokens.Credential
	if s.cfg.Credentials.NeedsCredential(service) {
		c, err := s.cfg.Tokens.Token(ctx, a.OwnerID, service)
		if err != nil {
			if isCredentialError(err) {
				logger.Info("no credential, automation skipped this cycle", slog.String(log.UserKey, a.OwnerID))
				return result{outcome: metrics.OutcomeNoCredential}
			}
			span.RecordError(err)
			logger.Warn("credential lookup failed", log.Error(err))
			return result{outcome: metrics.OutcomeErrored}
		}
		cred = c
	}

	if err := s.cfg.Limiter.Wait(ctx, service); err != nil {
		if errors.Is(err, ErrBackedOff) {
			logger.Debug("service backing off, automation not polled", log.Error(err))
			return result{outcome: metrics.OutcomeNotPolled}
		}
		return result{outcome: metrics.OutcomeErrored}
	}

	state, err := s.cfg.States.GetPollingState(ctx, a.ID)
	if err != nil {
		span.RecordError(err)
		metrics.RecordPersistenceError("GetPollingState", store.ErrorType(err))
		logger.Error("failed to load polling state", log.Error(err))
		return result{outcome: metrics.OutcomeErrored}
	}
	first := state == nil
	if first {
		state = &store.PollingState{AutomationID: a.ID}
		if f.startup == StartupBackfill && f.backfill > 0 {
			since := s.now().Add(-f.backfill)
			state.LastCheckedAt = &since
		}
	}

	res, err := f.poller.Poll(ctx, PollRequest{Automation: a.Clone(), State: state.Clone(), Credential: cred})
	if err != nil {
		span.RecordError(err)
		return s.pollFailed(logger, service, a, err)
	}
	s.cfg.Limiter.RecordSuccess(service)
	if res == nil {
		res = &PollResult{}
	}

	if first && f.startup == StartupIgnoreHistorical {
		cursor := finalCursor(res)
		s.saveState(ctx, logger, state, cursor, res.Metadata, true)
		logger.Info("initialized polling state, historical events ignored",
			slog.Int("ignored", len(res.Events)),
			slog.String("cursor", cursor))
		return result{skipped: len(res.Events), outcome: metrics.OutcomeSkipped}
	}

	r := result{outcome: metrics.OutcomeTriggered}
	cursor := state.LastEventID
	complete := true
	for _, ev := range res.Events {
		if ev.ExternalID == "" {
			logger.Warn("event without external id skipped")
			r.skipped++
		} else {
			_, created, err := s.cfg.Recorder.RecordTrigger(ctx, a, ledger.Event{
				ExternalID: ev.ExternalID,
				Data:       ev.Data,
				Source:     source,
			})
			if err != nil {
				// The cursor stays before this event so the next scan
				// reports it again.
				span.RecordError(err)
				logger.Error("failed to record trigger, stopping at this event",
					slog.String(log.EventIDKey, ev.ExternalID),
					log.Error(err))
				complete = false
				r.outcome = metrics.OutcomeErrored
				break
			}
			if created {
				r.triggered++
			} else {
				r.skipped++
			}
		}
		if ev.Cursor != "" {
			cursor = ev.Cursor
		}
	}
	if complete && res.Cursor != "" {
		cursor = res.Cursor
	}

	if complete || cursor != state.LastEventID {
		s.saveState(ctx, logger, state, cursor, res.Metadata, complete)
	}

	span.SetAttributes(map[string]any{
		"area.events":    len(res.Events),
		"area.triggered": r.triggered,
		"area.cursor":    cursor,
	})
	if r.triggered > 0 {
		logger.Info("automation triggered", slog.Int("new_events", r.triggered))
	}
	return r
}

func (s *Scanner) pollFailed(logger *slog.Logger, service string, a *store.Automation, err error) result {
	if isCredentialError(err) {
		logger.Info("credential rejected by service, automation skipped this cycle",
			slog.String(log.UserKey, a.OwnerID), log.Error(err))
		return result{outcome: metrics.OutcomeNoCredential}
	}

	var ext *pkgerrors.ExternalError
	if errors.As(err, &ext) && ext.StatusCode == 429 {
		backoff := s.cfg.Limiter.RecordRateLimit(service, ext.RetryAfter)
		logger.Warn("rate limited, backing off",
			slog.Duration("backoff", backoff),
			log.Error(err))
		return result{outcome: metrics.OutcomeErrored}
	}

	logger.Warn("poll failed", log.Error(err))
	return result{outcome: metrics.OutcomeErrored}
}

// saveState writes the cursor. It runs even when ctx has expired so that
// progress made before an abandoned scan stands.
func (s *Scanner) saveState(ctx context.Context, logger *slog.Logger, prev *store.PollingState, cursor string, metadata map[string]any, complete bool) {
	next := prev.Clone()
	next.LastEventID = cursor
	if complete {
		now := s.now()
		next.LastCheckedAt = &now
		if metadata != nil {
			next.Metadata = metadata
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateSaveTimeout)
	defer cancel()
	if err := s.cfg.States.SavePollingState(saveCtx, next); err != nil {
		metrics.RecordPersistenceError("SavePollingState", store.ErrorType(err))
		logger.Error("failed to save polling state", log.Error(err))
	}
}

func finalCursor(res *PollResult) string {
	if res.Cursor != "" {
		return res.Cursor
	}
	for i := len(res.Events) - 1; i >= 0; i-- {
		if res.Events[i].Cursor != "" {
			return res.Events[i].Cursor
		}
	}
	return ""
}

func isCredentialError(err error) bool {
	var credErr *pkgerrors.CredentialError
	return errors.Is(err, tokens.ErrNoCredential) || errors.As(err, &credErr)
}
