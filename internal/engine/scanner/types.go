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

// Package scanner runs trigger scans: for each automation of a service
// family it resolves a credential, polls the external source from the
// automation's cursor, records new events in the execution ledger and
// advances the cursor past what was recorded.
package scanner

import (
	"context"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
)

// Poller queries one service family's external source. Implementations must
// give every event an ExternalID that is stable across repeated polls of the
// same underlying occurrence.
type Poller interface {
	// Name is the service family, matching the catalog service name.
	Name() string

	// Poll returns the events after req.State's cursor, oldest first.
	Poll(ctx context.Context, req PollRequest) (*PollResult, error)
}

// PollRequest is the input of one poll.
type PollRequest struct {
	Automation *store.Automation

	// State is never nil. On the first scan it is empty, except for
	// LastCheckedAt under StartupBackfill.
	State *store.PollingState

	// Credential is nil for services that do not require auth.
	Credential *tokens.Credential
}

// RawEvent is one trigger occurrence reported by a poller.
type RawEvent struct {
	ExternalID string
	Data       map[string]any

	// Cursor is the polling position just after this event. Empty keeps the
	// previous position.
	Cursor string
}

// PollResult is the output of one poll.
type PollResult struct {
	Events []RawEvent

	// Cursor is the position after all events. Empty means the cursor of the
	// last event.
	Cursor string

	// Metadata replaces the polling state metadata when the scan completes.
	Metadata map[string]any
}

// Startup selects what the first scan of an automation does.
type Startup string

const (
	// StartupSinceLast records whatever the first poll reports.
	StartupSinceLast Startup = "since_last"

	// StartupIgnoreHistorical only establishes the cursor on the first scan,
	// so events older than the automation do not fire.
	StartupIgnoreHistorical Startup = "ignore_historical"

	// StartupBackfill starts the first scan from LastCheckedAt set to
	// now minus the backfill window.
	StartupBackfill Startup = "backfill"
)

// Option configures a registered poller.
type Option func(*family)

// WithStartup sets the first-scan policy. Defaults to StartupSinceLast.
func WithStartup(s Startup) Option {
	return func(f *family) { f.startup = s }
}

// WithBackfill sets the window used by StartupBackfill.
func WithBackfill(d time.Duration) Option {
	return func(f *family) { f.backfill = d }
}

// Summary counts the outcomes of one scan cycle. Triggered and Skipped count
// events; NotPolled, NoCredential and Errored count automations.
type Summary struct {
	Service     string `json:"service"`
	Automations int    `json:"automations"`
	Triggered   int    `json:"triggered"`

	// Skipped events were duplicates, had no id or predate the automation.
	Skipped int `json:"skipped"`

	// NotPolled automations were not active, belong to another family or
	// wait for their service's backoff.
	NotPolled    int `json:"not_polled"`
	NoCredential int `json:"no_credential"`
	Errored      int `json:"errored"`
}

type family struct {
	poller   Poller
	startup  Startup
	backfill time.Duration
}
