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
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/ledger"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/queue"
	internallog "github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/memory"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/storetest"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// feedPoller serves an append-only event feed. The cursor is the number of
// events already seen.
type feedPoller struct {
	name string

	mu       sync.Mutex
	events   []RawEvent
	failFor  map[string]error
	requests []PollRequest
	block    bool

	calls atomic.Int32
}

func newFeed(name string) *feedPoller {
	return &feedPoller{name: name, failFor: map[string]error{}}
}

func (p *feedPoller) Name() string { return p.name }

func (p *feedPoller) add(id string, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, RawEvent{
		ExternalID: id,
		Data:       data,
		Cursor:     strconv.Itoa(len(p.events) + 1),
	})
}

func (p *feedPoller) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	block := p.block
	err := p.failFor[req.Automation.ID]
	events := append([]RawEvent(nil), p.events...)
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	from := 0
	if req.State.LastEventID != "" {
		from, _ = strconv.Atoi(req.State.LastEventID)
	}
	if from > len(events) {
		from = len(events)
	}
	return &PollResult{Events: events[from:], Metadata: map[string]any{"seen": len(events)}}, nil
}

func (p *feedPoller) lastRequest() PollRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

// failingRecorder fails RecordTrigger for the listed event ids.
type failingRecorder struct {
	Recorder
	failOn map[string]bool
}

func (r *failingRecorder) RecordTrigger(ctx context.Context, a *store.Automation, ev ledger.Event) (*store.Execution, bool, error) {
	if r.failOn[ev.ExternalID] {
		return nil, false, errors.New("database is locked")
	}
	return r.Recorder.RecordTrigger(ctx, a, ev)
}

type credentialPolicy map[string]bool

func (p credentialPolicy) NeedsCredential(service string) bool { return p[service] }

type fixture struct {
	store   *memory.Store
	queue   *queue.MemoryQueue
	ledger  *ledger.Ledger
	feed    *feedPoller
	scanner *Scanner
}

func validToken(context.Context, string, string) (*tokens.Credential, error) {
	return &tokens.Credential{AccessToken: "gho_test"}, nil
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		queue: queue.NewMemoryQueue(),
		feed:  newFeed("github"),
	}

	l, err := ledger.New(ledger.Config{Store: f.store, Queue: f.queue, Logger: internallog.Discard()})
	require.NoError(t, err)
	f.ledger = l

	cfg := Config{
		States:   f.store,
		Recorder: l,
		Tokens:   tokens.ProviderFunc(validToken),
		Logger:   internallog.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Register(f.feed, opts...))
	f.scanner = s
	return f
}

func (f *fixture) automation(t *testing.T, owner string) *store.Automation {
	t.Helper()
	a := storetest.NewAutomation(owner)
	require.NoError(t, f.store.CreateAutomation(context.Background(), a))
	return a
}

func (f *fixture) executions(t *testing.T, automationID string) []*store.Execution {
	t.Helper()
	execs, err := f.store.ListExecutions(context.Background(), store.ExecutionFilter{AutomationID: automationID})
	require.NoError(t, err)
	return execs
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestScanner_Register(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.scanner.Register(newFeed("github")))
	require.NoError(t, f.scanner.Register(newFeed("timer")))
	assert.Equal(t, []string{"github", "timer"}, f.scanner.Services())
	assert.True(t, f.scanner.Has("timer"))
	assert.False(t, f.scanner.Has("gmail"))
}

func TestScan_RecordsEventAndAdvancesCursor(t *testing.T) {
	f := newFixture(t, nil)
	a := f.automation(t, "user-1")
	f.feed.add("issue_42", map[string]any{"number": 42})

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, Summary{Service: "github", Automations: 1, Triggered: 1}, summary)

	execs := f.executions(t, a.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "issue_42", execs[0].ExternalEventID)
	assert.Equal(t, store.ExecutionPending, execs[0].Status)
	assert.Equal(t, map[string]any{"number": 42}, execs[0].TriggerData)
	assert.Equal(t, 1, f.queue.Len())

	state, err := f.store.GetPollingState(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "1", state.LastEventID)
	assert.NotNil(t, state.LastCheckedAt)
	assert.Equal(t, map[string]any{"seen": 1}, state.Metadata)

	req := f.feed.lastRequest()
	require.NotNil(t, req.Credential)
	assert.Equal(t, "gho_test", req.Credential.AccessToken)
	assert.Equal(t, "octo/hello", req.Automation.TriggerConfig["repository"])
}

func TestScan_RepeatedScanIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	a := f.automation(t, "user-1")
	f.feed.add("issue_1", nil)

	_, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)

	// Losing the cursor makes the poller report issue_1 again.
	require.NoError(t, f.store.DeletePollingState(context.Background(), a.ID))
	f.feed.add("issue_2", nil)

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, f.executions(t, a.ID), 2)
}

func TestScan_NoCredential(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Tokens = tokens.ProviderFunc(func(ctx context.Context, userID, service string) (*tokens.Credential, error) {
			if userID == "user-2" {
				return nil, fmt.Errorf("refresh failed: %w", tokens.ErrNoCredential)
			}
			return validToken(ctx, userID, service)
		})
	})
	ok := f.automation(t, "user-1")
	missing := f.automation(t, "user-2")
	f.feed.add("issue_1", nil)

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{ok, missing})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NoCredential)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 0, summary.Errored)

	assert.Empty(t, f.executions(t, missing.ID))

	stored, err := f.store.GetAutomation(context.Background(), missing.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AutomationActive, stored.Status)

	state, err := f.store.GetPollingState(context.Background(), missing.ID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestScan_ServiceWithoutAuthSkipsTokenLookup(t *testing.T) {
	var lookups atomic.Int32
	f := newFixture(t, func(c *Config) {
		c.Credentials = credentialPolicy{"github": false}
		c.Tokens = tokens.ProviderFunc(func(context.Context, string, string) (*tokens.Credential, error) {
			lookups.Add(1)
			return nil, tokens.ErrNoCredential
		})
	})
	a := f.automation(t, "user-1")
	f.feed.add("tick_1", nil)

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)
	assert.Zero(t, lookups.Load())
	assert.Nil(t, f.feed.lastRequest().Credential)
}

func TestScan_IsolatesPerAutomationFailures(t *testing.T) {
	f := newFixture(t, nil)
	good := f.automation(t, "user-1")
	bad := f.automation(t, "user-2")
	f.feed.failFor[bad.ID] = &pkgerrors.ExternalError{Service: "github", StatusCode: 502}
	f.feed.add("issue_1", nil)

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{bad, good})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errored)
	assert.Equal(t, 1, summary.Triggered)
	assert.Len(t, f.executions(t, good.ID), 1)

	state, err := f.store.GetPollingState(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Nil(t, state, "a failed poll must not touch the cursor")
}

func TestScan_CursorNeverPassesUnrecordedEvents(t *testing.T) {
	f := newFixture(t, nil)
	a := f.automation(t, "user-1")
	for i := 1; i <= 5; i++ {
		f.feed.add(fmt.Sprintf("issue_%d", i), nil)
	}

	// Crash on the third event.
	s, err := New(Config{
		States:   f.store,
		Recorder: &failingRecorder{Recorder: f.ledger, failOn: map[string]bool{"issue_3": true}},
		Tokens:   tokens.ProviderFunc(validToken),
		Logger:   internallog.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Register(f.feed))

	summary, err := s.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Triggered)
	assert.Equal(t, 1, summary.Errored)

	state, err := f.store.GetPollingState(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "2", state.LastEventID)
	assert.Nil(t, state.LastCheckedAt, "partial scans do not count as checked")

	// The next scan resumes at issue_3 and loses nothing.
	summary, err = f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Triggered)
	assert.Equal(t, 0, summary.Skipped)

	execs := f.executions(t, a.ID)
	assert.Len(t, execs, 5)
	ids := map[string]bool{}
	for _, e := range execs {
		ids[e.ExternalEventID] = true
	}
	for i := 1; i <= 5; i++ {
		assert.True(t, ids[fmt.Sprintf("issue_%d", i)])
	}
}

func TestScan_IgnoreHistoricalOnFirstScan(t *testing.T) {
	f := newFixture(t, nil, WithStartup(StartupIgnoreHistorical))
	a := f.automation(t, "user-1")
	f.feed.add("old_1", nil)
	f.feed.add("old_2", nil)

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Triggered)
	assert.Equal(t, 2, summary.Skipped)
	assert.Empty(t, f.executions(t, a.ID))

	f.feed.add("new_1", nil)
	summary, err = f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)

	execs := f.executions(t, a.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "new_1", execs[0].ExternalEventID)
}

func TestScan_BackfillSetsInitialCheckpoint(t *testing.T) {
	f := newFixture(t, nil, WithStartup(StartupBackfill), WithBackfill(time.Hour))
	a := f.automation(t, "user-1")

	_, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)

	req := f.feed.lastRequest()
	require.NotNil(t, req.State.LastCheckedAt)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), *req.State.LastCheckedAt, time.Minute)
}

func TestScan_RateLimitBacksOffService(t *testing.T) {
	f := newFixture(t, nil)
	a := f.automation(t, "user-1")
	f.feed.failFor[a.ID] = &pkgerrors.ExternalError{Service: "github", StatusCode: 429, RetryAfter: time.Minute}

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errored)

	until, backedOff := f.scanner.cfg.Limiter.BackoffStatus("github")
	require.True(t, backedOff)
	assert.WithinDuration(t, time.Now().Add(time.Minute), until, 5*time.Second)

	// While backing off the service is not polled at all.
	summary, err = f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Errored)
	assert.Equal(t, 1, summary.NotPolled)
	assert.Equal(t, int32(1), f.feed.calls.Load())
}

func TestScan_SkipsIneligibleAutomations(t *testing.T) {
	f := newFixture(t, nil)
	paused := f.automation(t, "user-1")
	paused.Status = store.AutomationPaused
	other := storetest.NewAutomation("user-1")
	other.TriggerService = "timer"

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{paused, other})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.NotPolled)
	assert.Zero(t, summary.Skipped, "skipped counts events only")
	assert.Zero(t, f.feed.calls.Load())
}

func TestScan_UnknownService(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.scanner.Scan(context.Background(), "gmail", nil)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestScan_AutomationTimeoutIsIsolated(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutomationTimeout = 20 * time.Millisecond })
	a := f.automation(t, "user-1")
	f.feed.block = true

	summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errored)
}

func TestScan_CancelledCycleReportsError(t *testing.T) {
	f := newFixture(t, nil)
	a := f.automation(t, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.scanner.Scan(ctx, "github", []*store.Automation{a})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Automations)
}

func TestScan_OverlappingCyclesCreateEachExecutionOnce(t *testing.T) {
	f := newFixture(t, nil)
	a := f.automation(t, "user-1")
	for i := 0; i < 20; i++ {
		f.feed.add(fmt.Sprintf("issue_%d", i), nil)
	}

	var wg sync.WaitGroup
	var triggered atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := f.scanner.Scan(context.Background(), "github", []*store.Automation{a})
			assert.NoError(t, err)
			triggered.Add(int32(summary.Triggered))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), triggered.Load())
	assert.Len(t, f.executions(t, a.ID), 20)
}
