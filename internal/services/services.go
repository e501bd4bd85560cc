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

// Package services registers the built-in service adapters with an engine
// and their webhook sources with the HTTP surface.
package services

import (
	"fmt"
	"net/http"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/ingress"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/services/github"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/services/timer"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/services/webhook"
)

// Options configures the built-in adapters.
type Options struct {
	// HTTPClient is used for every outbound call. Required.
	HTTPClient *http.Client

	// GitHubBaseURL overrides the GitHub API endpoint.
	GitHubBaseURL string
}

// Register adds the timer, github and webhook services to e and allows
// every built-in trigger to be followed by every built-in reaction.
func Register(e *engine.Engine, opts Options) error {
	if opts.HTTPClient == nil {
		return fmt.Errorf("services: http client is required")
	}
	if err := timer.Register(e); err != nil {
		return fmt.Errorf("register %s: %w", timer.Service, err)
	}
	if err := github.Register(e, github.NewClient(opts.HTTPClient, opts.GitHubBaseURL)); err != nil {
		return fmt.Errorf("register %s: %w", github.Service, err)
	}
	if err := webhook.Register(e, opts.HTTPClient); err != nil {
		return fmt.Errorf("register %s: %w", webhook.Service, err)
	}
	e.Catalog().Allow(github.ActionNewIssue, webhook.ReactionPost, github.ReactionCreateIssue)
	return nil
}

// RegisterSources adds the webhook sources of the built-in services to s.
func RegisterSources(s *ingress.Server) {
	s.RegisterSource(github.Service, github.Source())
	s.RegisterSource(webhook.Service, webhook.Source())
}
