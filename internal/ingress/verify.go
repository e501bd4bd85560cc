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

package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// slackMaxSkew is how old a Slack request timestamp may be.
const slackMaxSkew = 5 * time.Minute

// Delivery is one parsed webhook request.
type Delivery struct {
	// Event is the sender's event type, e.g. "issues.opened".
	Event string

	// ID is the sender's stable delivery identity. Redeliveries of the same
	// event carry the same ID.
	ID string

	// Attributes are matched against automation trigger configs.
	Attributes map[string]any

	Data map[string]any

	// Challenge is set for URL verification handshakes, which are answered
	// and never ingested.
	Challenge string
}

// Verifier authenticates and parses the deliveries of one kind of sender.
type Verifier interface {
	// Verify checks the request signature against secret.
	Verify(r *http.Request, body []byte, secret string) error

	// Parse extracts the delivery from a verified request.
	Parse(r *http.Request, body []byte) (*Delivery, error)
}

// GitHubVerifier handles GitHub webhooks.
type GitHubVerifier struct{}

var _ Verifier = (*GitHubVerifier)(nil)

// Verify checks X-Hub-Signature-256. Legacy SHA-1 signatures are rejected.
func (GitHubVerifier) Verify(r *http.Request, body []byte, secret string) error {
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		if r.Header.Get("X-Hub-Signature") != "" {
			return fmt.Errorf("SHA-1 signatures not supported, please use SHA-256")
		}
		return fmt.Errorf("missing signature header")
	}
	return checkSHA256(signature, body, secret)
}

// Parse reads X-GitHub-Event and X-GitHub-Delivery. The event is suffixed
// with the payload action when present, e.g. "issues.opened".
func (GitHubVerifier) Parse(r *http.Request, body []byte) (*Delivery, error) {
	payload, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	event := r.Header.Get("X-GitHub-Event")
	if action, ok := payload["action"].(string); ok && action != "" {
		event += "." + action
	}

	attrs := map[string]any{}
	if repo, ok := payload["repository"].(map[string]any); ok {
		if name, ok := repo["full_name"].(string); ok {
			attrs["repository"] = name
		}
	}
	if sender, ok := payload["sender"].(map[string]any); ok {
		if login, ok := sender["login"].(string); ok {
			attrs["sender"] = login
		}
	}

	return &Delivery{
		Event:      event,
		ID:         r.Header.Get("X-GitHub-Delivery"),
		Attributes: attrs,
		Data:       payload,
	}, nil
}

// SlackVerifier handles Slack Events API and slash command requests.
type SlackVerifier struct {
	now func() time.Time
}

var _ Verifier = (*SlackVerifier)(nil)

// Verify checks X-Slack-Signature over "v0:<timestamp>:<body>" and rejects
// timestamps more than five minutes away.
func (v SlackVerifier) Verify(r *http.Request, body []byte, secret string) error {
	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if timestamp == "" || signature == "" {
		return fmt.Errorf("missing required headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	now := time.Now()
	if v.now != nil {
		now = v.now()
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > slackMaxSkew || skew < -slackMaxSkew {
		return fmt.Errorf("request too old")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Parse handles JSON event callbacks, URL verification and form-encoded
// slash commands.
func (SlackVerifier) Parse(r *http.Request, body []byte) (*Delivery, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("failed to parse form: %w", err)
		}
		data := make(map[string]any, len(form))
		for k := range form {
			data[k] = form.Get(k)
		}
		return &Delivery{
			Event: "slash_command",
			ID:    form.Get("trigger_id"),
			Attributes: map[string]any{
				"command": form.Get("command"),
				"channel": form.Get("channel_id"),
				"team":    form.Get("team_id"),
			},
			Data: data,
		}, nil
	}

	payload, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	if payload["type"] == "url_verification" {
		challenge, _ := payload["challenge"].(string)
		return &Delivery{Event: "url_verification", Challenge: challenge}, nil
	}

	event, _ := payload["event"].(map[string]any)
	eventType, _ := event["type"].(string)
	attrs := map[string]any{}
	for _, key := range []string{"channel", "user"} {
		if v, ok := event[key].(string); ok {
			attrs[key] = v
		}
	}
	if team, ok := payload["team_id"].(string); ok {
		attrs["team"] = team
	}
	id, _ := payload["event_id"].(string)

	return &Delivery{
		Event:      eventType,
		ID:         id,
		Attributes: attrs,
		Data:       event,
	}, nil
}

// GenericVerifier handles any sender that signs the body with HMAC-SHA256
// in X-Signature-256 ("sha256=<hex>"). The event type comes from
// X-Area-Event or the payload "event" field, the delivery id from
// X-Area-Delivery or the payload "id" field. Payload "attributes", when an
// object, are used for matching.
type GenericVerifier struct{}

var _ Verifier = (*GenericVerifier)(nil)

// Verify checks X-Signature-256.
func (GenericVerifier) Verify(r *http.Request, body []byte, secret string) error {
	signature := r.Header.Get("X-Signature-256")
	if signature == "" {
		return fmt.Errorf("missing signature header")
	}
	return checkSHA256(signature, body, secret)
}

// Parse reads the event and delivery id from headers or payload.
func (GenericVerifier) Parse(r *http.Request, body []byte) (*Delivery, error) {
	payload, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	event := r.Header.Get("X-Area-Event")
	if event == "" {
		event, _ = payload["event"].(string)
	}
	id := r.Header.Get("X-Area-Delivery")
	if id == "" {
		switch v := payload["id"].(type) {
		case string:
			id = v
		case float64:
			id = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	attrs, _ := payload["attributes"].(map[string]any)

	return &Delivery{
		Event:      event,
		ID:         id,
		Attributes: attrs,
		Data:       payload,
	}, nil
}

func checkSHA256(signature string, body []byte, secret string) error {
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("invalid signature format")
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func decodeJSON(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return payload, nil
}
