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

// Package webhook is the generic HTTP service: an incoming-webhook trigger
// fed by signed deliveries and an outbound JSON POST reaction.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/catalog"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/dispatch"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/ingress"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
	"github.com/My-Epitech-Organisation/Area-sub002/pkg/httpclient"
)

const (
	// Service is the catalog service name.
	Service = "webhook"

	// ActionIncoming fires for each delivery to /webhooks/webhook.
	ActionIncoming = "incoming_webhook"

	// ReactionPost sends a JSON POST.
	ReactionPost = "http_post"
)

// maxResponseBody bounds how much of a reply is kept as the result.
const maxResponseBody = 4 << 10

var noAuth = false

// Definition returns the catalog entry of the webhook service.
func Definition() catalog.Service {
	return catalog.Service{
		Name:         Service,
		Description:  "Generic HTTP webhooks",
		RequiresAuth: &noAuth,
		Actions: []catalog.Definition{{
			Name:        ActionIncoming,
			Description: "A signed delivery is received; config keys filter on delivery attributes",
			Schema: catalog.Schema{
				Fields: []catalog.Field{
					{Name: "event", Kind: catalog.KindString, Description: "only this event type"},
				},
				AllowUnknown: true,
			},
		}},
		Reactions: []catalog.Definition{{
			Name:        ReactionPost,
			Description: "POST a JSON document to a URL",
			Schema: catalog.Schema{Fields: []catalog.Field{
				{Name: "url", Kind: catalog.KindString, Required: true, Pattern: `^https?://`},
				{Name: "payload", Kind: catalog.KindObject, Description: "body; defaults to the trigger data"},
				{Name: "headers", Kind: catalog.KindObject},
				{Name: "secret", Kind: catalog.KindString, Description: "signs the body in X-Signature-256"},
			}},
		}},
	}
}

// Source returns the ingress source of the webhook service. Every event
// type maps to the incoming action and is exposed as the "event"
// attribute.
func Source() ingress.Source {
	return ingress.Source{
		Verifier: ingress.GenericVerifier{},
		Actions:  map[string]string{"*": ActionIncoming},
		Normalize: func(_ string, d *ingress.Delivery) {
			attrs := maps.Clone(d.Attributes)
			if attrs == nil {
				attrs = map[string]any{}
			}
			attrs["event"] = d.Event
			d.Attributes = attrs
		},
	}
}

// Poster is the http_post reaction.
type Poster struct {
	client *http.Client
}

var _ dispatch.Handler = (*Poster)(nil)

// NewPoster creates the http_post handler.
func NewPoster(client *http.Client) *Poster {
	return &Poster{client: client}
}

// Execute posts the payload. Non-2xx replies are classified by status.
func (p *Poster) Execute(ctx context.Context, req dispatch.Request) (map[string]any, error) {
	target, _ := req.Params["url"].(string)
	if target == "" {
		return nil, &pkgerrors.ValidationError{Field: "reaction_config.url", Message: "is required"}
	}

	payload := req.TriggerData
	if custom, ok := req.Params["payload"].(map[string]any); ok {
		payload = custom
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("failed to encode payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &pkgerrors.ValidationError{Field: "reaction_config.url", Message: err.Error()}
	}
	if headers, ok := req.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Area-Execution", req.ExecutionID)
	httpReq.Header.Set("X-Area-Attempt", fmt.Sprint(req.Attempt))
	if secret, _ := req.Params["secret"].(string); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		httpReq.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, httpclient.TransportError(Service, err)
	}
	defer resp.Body.Close()
	if err := httpclient.CheckResponse(Service, resp); err != nil {
		return nil, err
	}

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(reply),
	}, nil
}

// Register adds the webhook service and the http_post handler to e.
func Register(e *engine.Engine, client *http.Client) error {
	if err := e.Catalog().Register(Definition()); err != nil {
		return err
	}
	e.Catalog().Allow(ActionIncoming, catalog.Wildcard)
	return e.RegisterHandler(ReactionPost, NewPoster(client))
}
