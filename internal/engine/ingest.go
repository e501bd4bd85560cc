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

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/ledger"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// PushedEvent is a trigger event delivered by a webhook.
type PushedEvent struct {
	Service string
	Action  string

	// ExternalID is the stable delivery identity; the same real-world event
	// seen by a poller must carry the same id.
	ExternalID string

	// Attributes are compared with the trigger configuration of candidate
	// automations, e.g. {"repository": "octo/hello"}.
	Attributes map[string]any

	Data map[string]any
}

// IngestResult counts what one pushed event produced.
type IngestResult struct {
	Matched    int `json:"matched"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
}

// Matcher reports whether a pushed event's attributes satisfy an
// automation's trigger config.
type Matcher func(config, attributes map[string]any) bool

// Ingest records a pushed event for every active automation it matches.
// An automation matches when its trigger service and action are the
// event's and the action's Matcher accepts the event. Recording failures are returned joined so the sender
// can redeliver; successful records stand and dedupe the redelivery.
func (e *Engine) Ingest(ctx context.Context, ev PushedEvent) (IngestResult, error) {
	var res IngestResult
	if ev.Service == "" || ev.Action == "" {
		return res, &pkgerrors.ValidationError{Field: "action", Message: "service and action are required"}
	}
	if ev.ExternalID == "" {
		return res, &pkgerrors.ValidationError{Field: "external_event_id", Message: "must not be empty"}
	}

	candidates, err := e.store.ListAutomations(ctx, store.AutomationFilter{
		Status:         store.AutomationActive,
		TriggerService: ev.Service,
		TriggerAction:  ev.Action,
	})
	if err != nil {
		metrics.RecordPersistenceError("ListAutomations", store.ErrorType(err))
		return res, fmt.Errorf("list automations of %s: %w", ev.Service, err)
	}

	match := e.matcher(ev.Action)
	var errs []error
	for _, a := range candidates {
		if !match(a.TriggerConfig, ev.Attributes) {
			continue
		}
		res.Matched++

		_, created, err := e.ledger.RecordTrigger(ctx, a, ledger.Event{
			ExternalID: ev.ExternalID,
			Data:       ev.Data,
			Source:     ledger.SourceWebhook,
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
		case created:
			res.Created++
		default:
			res.Duplicates++
		}
	}

	e.logger.Debug("ingested pushed event",
		slog.String(log.ServiceKey, ev.Service),
		slog.String(log.EventIDKey, ev.ExternalID),
		slog.Int("matched", res.Matched),
		slog.Int("created", res.Created),
		slog.Int("duplicates", res.Duplicates))
	return res, errors.Join(errs...)
}

// MatchAttributes is the default Matcher. Every set trigger config key
// must be present in the attributes with an equal value; an attribute the
// event does not carry fails the match. Empty config values filter nothing.
func MatchAttributes(config, attributes map[string]any) bool {
	for key, want := range config {
		if want == nil || want == "" {
			continue
		}
		got, ok := attributes[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
