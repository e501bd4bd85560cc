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

// Package timer is the clock trigger service. It needs no credential:
// ticks are derived from wall-clock time and the automation's config.
package timer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/catalog"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

const (
	// Service is the catalog service name.
	Service = "timer"

	// ActionEvery fires every interval_minutes, aligned on the epoch.
	ActionEvery = "every_n_minutes"

	// ActionDaily fires once a day at time (HH:MM) in timezone.
	ActionDaily = "daily_at"
)

var (
	noAuth = false
	one    = 1.0
	week   = 10080.0
)

// Definition returns the catalog entry of the timer service.
func Definition() catalog.Service {
	return catalog.Service{
		Name:         Service,
		Description:  "Clock based triggers",
		RequiresAuth: &noAuth,
		Actions: []catalog.Definition{
			{
				Name:        ActionEvery,
				Description: "Fires every N minutes",
				Schema: catalog.Schema{Fields: []catalog.Field{
					{Name: "interval_minutes", Kind: catalog.KindInt, Required: true, Min: &one, Max: &week},
				}},
			},
			{
				Name:        ActionDaily,
				Description: "Fires once a day at a given time",
				Schema: catalog.Schema{Fields: []catalog.Field{
					{Name: "time", Kind: catalog.KindString, Required: true, Pattern: `^([01]\d|2[0-3]):[0-5]\d$`},
					{
						Name:    "timezone",
						Kind:    catalog.KindString,
						Default: "UTC",
						Rule:    `value != ""`,
					},
				}},
			},
		},
	}
}

// Poller reports the most recent tick an automation has not seen yet.
// Ticks missed while the engine was down collapse into one event.
type Poller struct {
	now func() time.Time
}

var _ scanner.Poller = (*Poller)(nil)

// NewPoller creates a timer poller.
func NewPoller() *Poller {
	return &Poller{now: time.Now}
}

// Name implements scanner.Poller.
func (p *Poller) Name() string { return Service }

// Poll implements scanner.Poller.
func (p *Poller) Poll(_ context.Context, req scanner.PollRequest) (*scanner.PollResult, error) {
	a := req.Automation
	switch a.TriggerAction {
	case ActionEvery:
		return p.every(a.TriggerConfig, req.State.LastEventID)
	case ActionDaily:
		return p.daily(a.TriggerConfig, req.State.LastEventID)
	default:
		return nil, &pkgerrors.ValidationError{
			Field:   "trigger_action",
			Message: fmt.Sprintf("unknown timer action %q", a.TriggerAction),
		}
	}
}

func (p *Poller) every(config map[string]any, cursor string) (*scanner.PollResult, error) {
	minutes, err := intValue(config, "interval_minutes")
	if err != nil {
		return nil, err
	}
	interval := time.Duration(minutes) * time.Minute
	tick := p.now().UTC().Truncate(interval)

	var missed int64
	if cursor != "" {
		prev, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "cursor", Message: "not a unix timestamp"}
		}
		if tick.Unix() <= prev {
			return &scanner.PollResult{Cursor: cursor}, nil
		}
		missed = (tick.Unix()-prev)/int64(interval.Seconds()) - 1
	}

	next := strconv.FormatInt(tick.Unix(), 10)
	return &scanner.PollResult{
		Events: []scanner.RawEvent{{
			ExternalID: "tick_" + next,
			Cursor:     next,
			Data: map[string]any{
				"fired_at":         tick.Format(time.RFC3339),
				"interval_minutes": minutes,
				"missed":           missed,
			},
		}},
	}, nil
}

func (p *Poller) daily(config map[string]any, cursor string) (*scanner.PollResult, error) {
	at, _ := config["time"].(string)
	clock, err := time.Parse("15:04", at)
	if err != nil {
		return nil, &pkgerrors.ValidationError{Field: "trigger_config.time", Message: "must be HH:MM"}
	}
	tzName, _ := config["timezone"].(string)
	if tzName == "" {
		tzName = "UTC"
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, &pkgerrors.ValidationError{Field: "trigger_config.timezone", Message: err.Error()}
	}

	now := p.now().In(loc)
	fire := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if now.Before(fire) {
		fire = fire.AddDate(0, 0, -1)
	}

	day := fire.Format(time.DateOnly)
	if cursor != "" && day <= cursor {
		return &scanner.PollResult{Cursor: cursor}, nil
	}
	return &scanner.PollResult{
		Events: []scanner.RawEvent{{
			ExternalID: "daily_" + day,
			Cursor:     day,
			Data: map[string]any{
				"fired_at": fire.Format(time.RFC3339),
				"timezone": tzName,
			},
		}},
	}, nil
}

func intValue(config map[string]any, key string) (int64, error) {
	switch v := config[key].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, &pkgerrors.ValidationError{Field: "trigger_config." + key, Message: "must be an integer"}
}

// Register adds the timer service and its poller to e. New automations
// start at the current tick instead of firing for the past.
func Register(e *engine.Engine) error {
	if err := e.Catalog().Register(Definition()); err != nil {
		return err
	}
	e.Catalog().Allow(ActionEvery, catalog.Wildcard)
	e.Catalog().Allow(ActionDaily, catalog.Wildcard)
	return e.RegisterPoller(NewPoller(), scanner.WithStartup(scanner.StartupIgnoreHistorical))
}
