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

package github

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/dispatch"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
	"github.com/My-Epitech-Organisation/Area-sub002/pkg/httpclient"
)

const (
	// pageSize is how many issues one listing request returns.
	pageSize = 50

	// maxPages bounds how far back one poll pages toward the cursor.
	maxPages = 10
)

type issue struct {
	ID        int64  `json:"id"`
	Number    int64  `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *json.RawMessage `json:"pull_request,omitempty"`
}

// externalID is GitHub's global issue id, stable across polls and
// webhook deliveries.
func (i *issue) externalID() string {
	return "issue_" + strconv.FormatInt(i.ID, 10)
}

func (i *issue) labelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

func (i *issue) data(repository string) map[string]any {
	labels := make([]any, 0, len(i.Labels))
	for _, name := range i.labelNames() {
		labels = append(labels, name)
	}
	return map[string]any{
		"repository": repository,
		"number":     i.Number,
		"title":      i.Title,
		"body":       i.Body,
		"url":        i.HTMLURL,
		"author":     i.User.Login,
		"labels":     labels,
		"created_at": i.CreatedAt,
	}
}

// Poller reports issues opened since the automation's cursor, which is
// the highest issue number seen.
type Poller struct {
	client *Client
}

var _ scanner.Poller = (*Poller)(nil)

// NewPoller creates a GitHub issue poller.
func NewPoller(c *Client) *Poller {
	return &Poller{client: c}
}

// Name implements scanner.Poller.
func (p *Poller) Name() string { return Service }

// Poll implements scanner.Poller. The ETag of the last listing is kept in
// the polling state metadata; an unchanged listing costs no rate limit.
// Pages are fetched until one reaches the cursor, at most maxPages.
func (p *Poller) Poll(ctx context.Context, req scanner.PollRequest) (*scanner.PollResult, error) {
	repo, _ := req.Automation.TriggerConfig["repository"].(string)
	if repo == "" {
		return nil, &pkgerrors.ValidationError{Field: "trigger_config.repository", Message: "is required"}
	}

	var last int64
	if req.State.LastEventID != "" {
		n, err := strconv.ParseInt(req.State.LastEventID, 10, 64)
		if err != nil {
			return nil, &pkgerrors.ValidationError{Field: "cursor", Message: "not an issue number"}
		}
		last = n
	}

	etag, _ := req.State.Metadata["etag"].(string)
	var (
		issues  []issue
		newTag  string
		seen    = make(map[int64]bool)
		reached = last == 0
	)
	for page := 1; page <= maxPages; page++ {
		batch, tag, notModified, err := p.listPage(ctx, req, repo, page, etag)
		if err != nil {
			return nil, err
		}
		if notModified {
			return &scanner.PollResult{Cursor: req.State.LastEventID, Metadata: req.State.Metadata}, nil
		}
		if page == 1 {
			newTag = tag
			etag = ""
		}
		for _, is := range batch {
			if is.Number <= last {
				reached = true
			}
			if !seen[is.ID] {
				seen[is.ID] = true
				issues = append(issues, is)
			}
		}
		if reached || len(batch) < pageSize {
			break
		}
	}

	var events []scanner.RawEvent
	for i := range issues {
		is := &issues[i]
		if is.PullRequest != nil || is.Number <= last {
			continue
		}
		events = append(events, scanner.RawEvent{
			ExternalID: is.externalID(),
			Data:       is.data(repo),
			Cursor:     strconv.FormatInt(is.Number, 10),
		})
	}
	slices.SortStableFunc(events, func(x, y scanner.RawEvent) int {
		nx, _ := strconv.ParseInt(x.Cursor, 10, 64)
		ny, _ := strconv.ParseInt(y.Cursor, 10, 64)
		return cmp.Compare(nx, ny)
	})

	res := &scanner.PollResult{Events: events}
	if len(events) == 0 {
		res.Cursor = req.State.LastEventID
	}
	if newTag != "" {
		res.Metadata = map[string]any{"etag": newTag}
	}
	return res, nil
}

// listPage fetches one page of the listing, newest first. Only the first
// page is sent conditionally.
func (p *Poller) listPage(ctx context.Context, req scanner.PollRequest, repo string, page int, etag string) ([]issue, string, bool, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("sort", "created")
	q.Set("direction", "desc")
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))
	if labels, _ := req.Automation.TriggerConfig["labels"].(string); labels != "" {
		q.Set("labels", labels)
	}

	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}

	resp, err := p.client.do(ctx, http.MethodGet, repoPath(repo)+"/issues?"+q.Encode(), req.Credential, nil, header)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", true, nil
	}
	if err := httpclient.CheckResponse(Service, resp); err != nil {
		return nil, "", false, err
	}

	var issues []issue
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, "", false, &pkgerrors.ExternalError{Service: Service, StatusCode: resp.StatusCode, Message: "malformed issue listing", Cause: err}
	}
	return issues, resp.Header.Get("ETag"), false, nil
}

// IssueCreator is the create_issue reaction.
type IssueCreator struct {
	client *Client
}

var _ dispatch.Handler = (*IssueCreator)(nil)

// NewIssueCreator creates the create_issue handler.
func NewIssueCreator(c *Client) *IssueCreator {
	return &IssueCreator{client: c}
}

// Execute opens an issue. A 4xx other than 408 and 429 fails the
// execution at once; 5xx and transport errors are retried.
func (h *IssueCreator) Execute(ctx context.Context, req dispatch.Request) (map[string]any, error) {
	if req.Credential == nil {
		return nil, &pkgerrors.CredentialError{UserID: req.OwnerID, Service: Service}
	}
	repo, _ := req.Params["repository"].(string)
	title, _ := req.Params["title"].(string)
	if repo == "" || title == "" {
		return nil, &pkgerrors.ValidationError{Field: "reaction_config", Message: "repository and title are required"}
	}
	body, _ := req.Params["body"].(string)

	resp, err := h.client.do(ctx, http.MethodPost, repoPath(repo)+"/issues", req.Credential,
		map[string]string{"title": title, "body": body}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := httpclient.CheckResponse(Service, resp); err != nil {
		return nil, err
	}

	var created issue
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("issue created but response unreadable: %w", err))
	}
	return map[string]any{
		"number": created.Number,
		"url":    created.HTMLURL,
	}, nil
}
