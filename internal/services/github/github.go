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

// Package github is the GitHub service: a new-issue trigger polled from
// the REST API or pushed by webhooks, and an issue-creating reaction.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/catalog"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/ingress"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	"github.com/My-Epitech-Organisation/Area-sub002/pkg/httpclient"
)

const (
	// Service is the catalog service name.
	Service = "github"

	// ActionNewIssue fires for each issue opened in a repository.
	ActionNewIssue = "new_issue"

	// ReactionCreateIssue opens an issue.
	ReactionCreateIssue = "create_issue"

	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com"
)

var (
	one      = 1
	titleMax = 256
)

// Definition returns the catalog entry of the GitHub service.
func Definition() catalog.Service {
	repository := catalog.Field{
		Name:     "repository",
		Kind:     catalog.KindString,
		Required: true,
		Pattern:  `^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`,
	}
	return catalog.Service{
		Name:        Service,
		Description: "GitHub repositories",
		Actions: []catalog.Definition{{
			Name:        ActionNewIssue,
			Description: "An issue is opened in a repository",
			Schema: catalog.Schema{Fields: []catalog.Field{
				repository,
				{Name: "labels", Kind: catalog.KindString, Description: "comma separated label filter"},
			}},
		}},
		Reactions: []catalog.Definition{{
			Name:        ReactionCreateIssue,
			Description: "Open an issue in a repository",
			Schema: catalog.Schema{Fields: []catalog.Field{
				repository,
				{Name: "title", Kind: catalog.KindString, Required: true, MinLength: &one, MaxLength: &titleMax},
				{Name: "body", Kind: catalog.KindString},
			}},
		}},
	}
}

// Client calls the GitHub REST API.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) do(ctx context.Context, method, path string, cred *tokens.Credential, body any, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred != nil {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, httpclient.TransportError(Service, err)
	}
	return resp, nil
}

func repoPath(repository string) string {
	owner, name, _ := strings.Cut(repository, "/")
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

// Source returns the webhook source of the GitHub service. Pushed issues
// carry the same id and data as polled ones.
func Source() ingress.Source {
	return ingress.Source{
		Verifier: ingress.GitHubVerifier{},
		Actions:  map[string]string{"issues.opened": ActionNewIssue},
		Normalize: func(action string, d *ingress.Delivery) {
			if action != ActionNewIssue {
				return
			}
			raw, _ := json.Marshal(d.Data["issue"])
			var is issue
			if err := json.Unmarshal(raw, &is); err != nil || is.ID == 0 {
				return
			}
			repo, _ := d.Attributes["repository"].(string)
			d.ID = is.externalID()
			d.Data = is.data(repo)

			attrs := maps.Clone(d.Attributes)
			if attrs == nil {
				attrs = map[string]any{}
			}
			attrs["labels"] = is.labelNames()
			d.Attributes = attrs
		},
	}
}

// MatchIssue reports whether a pushed issue satisfies a new_issue trigger
// config: the repository must be the configured one and the issue must
// carry every configured label, as the listing's labels filter requires.
func MatchIssue(config, attributes map[string]any) bool {
	want, _ := config["repository"].(string)
	got, _ := attributes["repository"].(string)
	if want == "" || !strings.EqualFold(want, got) {
		return false
	}

	filter, _ := config["labels"].(string)
	if strings.TrimSpace(filter) == "" {
		return true
	}
	have, _ := attributes["labels"].([]string)
	for _, label := range strings.Split(filter, ",") {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if !slices.ContainsFunc(have, func(h string) bool { return strings.EqualFold(h, label) }) {
			return false
		}
	}
	return true
}

// Register adds the GitHub service, its poller and its reaction handler
// to e. Only issues opened after an automation is created fire.
func Register(e *engine.Engine, c *Client) error {
	if err := e.Catalog().Register(Definition()); err != nil {
		return err
	}
	if err := e.RegisterPoller(NewPoller(c), scanner.WithStartup(scanner.StartupIgnoreHistorical)); err != nil {
		return err
	}
	if err := e.RegisterMatcher(ActionNewIssue, MatchIssue); err != nil {
		return err
	}
	return e.RegisterHandler(ReactionCreateIssue, NewIssueCreator(c))
}
