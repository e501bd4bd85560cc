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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/config"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tracing"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

const (
	githubSecret = "gh-secret"
	adminSecret  = "admin-secret"
)

type fakeEngine struct {
	mu        sync.Mutex
	events    []engine.PushedEvent
	ingestErr error
	scanned   []string
	replayed  []string
	resets    []bool
	filters   []store.ExecutionFilter
	opErr     error
	readyErr  error
}

func (f *fakeEngine) Ingest(_ context.Context, ev engine.PushedEvent) (engine.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.ingestErr != nil {
		return engine.IngestResult{}, f.ingestErr
	}
	return engine.IngestResult{Matched: 1, Created: 1}, nil
}

func (f *fakeEngine) ScanNow(_ context.Context, service string) (scanner.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned = append(f.scanned, service)
	if f.opErr != nil {
		return scanner.Summary{}, f.opErr
	}
	return scanner.Summary{Service: service, Automations: 2, Triggered: 1}, nil
}

func (f *fakeEngine) Replay(_ context.Context, id string, reset bool) (scanner.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, id)
	f.resets = append(f.resets, reset)
	if f.opErr != nil {
		return scanner.Summary{}, f.opErr
	}
	return scanner.Summary{Service: "github", Automations: 1}, nil
}

func (f *fakeEngine) Executions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.opErr != nil {
		return nil, f.opErr
	}
	return []*store.Execution{{ID: "exec-1", AutomationID: "auto-1", Status: store.ExecutionSuccess}}, nil
}

func (f *fakeEngine) Ready(context.Context) error { return f.readyErr }

func newServer(t *testing.T, eng *fakeEngine, mutate ...func(*config.HTTPConfig)) *Server {
	t.Helper()
	cfg := config.HTTPConfig{
		WebhookSecrets: map[string]string{"github": githubSecret},
		AdminJWTSecret: adminSecret,
		AdminJWTIssuer: "area-admin",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(Config{Engine: eng, HTTP: cfg, Logger: log.Discard()})
	require.NoError(t, err)
	s.RegisterSource("github", Source{
		Verifier: GitHubVerifier{},
		Actions:  map[string]string{"issues.opened": "new_issue"},
	})
	return s
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubRequest(body []byte, event, delivery, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	req.Header.Set("X-Hub-Signature-256", signature)
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T, issuer string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops",
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return tok
}

func adminRequest(t *testing.T, method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "area-admin", time.Hour))
	return req
}

var issuePayload = []byte(`{"action":"opened","issue":{"number":42,"title":"crash"},"repository":{"full_name":"octo/hello"},"sender":{"login":"octocat"}}`)

func TestWebhook_GitHubIngested(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng)

	w := serve(s, githubRequest(issuePayload, "issues", "delivery-1", sign(githubSecret, issuePayload)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res engine.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Created)

	require.Len(t, eng.events, 1)
	ev := eng.events[0]
	assert.Equal(t, "github", ev.Service)
	assert.Equal(t, "new_issue", ev.Action)
	assert.Equal(t, "delivery-1", ev.ExternalID)
	assert.Equal(t, "octo/hello", ev.Attributes["repository"])
	assert.Equal(t, "octocat", ev.Attributes["sender"])
	assert.Contains(t, ev.Data, "issue")
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "bad signature",
			req: func() *http.Request {
				return githubRequest(issuePayload, "issues", "d", sign("wrong", issuePayload))
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "missing delivery id",
			req: func() *http.Request {
				return githubRequest(issuePayload, "issues", "", sign(githubSecret, issuePayload))
			},
			status: http.StatusBadRequest,
		},
		{
			name: "malformed payload",
			req: func() *http.Request {
				body := []byte(`not json`)
				return githubRequest(body, "issues", "d", sign(githubSecret, body))
			},
			status: http.StatusBadRequest,
		},
		{
			name: "service without secret",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", bytes.NewReader(issuePayload))
			},
			status: http.StatusForbidden,
		},
		{
			name: "body too large",
			req: func() *http.Request {
				body := bytes.Repeat([]byte("a"), maxBodyBytes+1)
				return githubRequest(body, "issues", "d", sign(githubSecret, body))
			},
			status: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			s := newServer(t, eng)

			w := serve(s, tt.req())
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Empty(t, eng.events)
		})
	}
}

func TestWebhook_UnmappedEventIgnored(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng)

	body := []byte(`{"ref":"refs/heads/main"}`)
	w := serve(s, githubRequest(body, "push", "d-push", sign(githubSecret, body)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)
	assert.Empty(t, eng.events)
}

func TestWebhook_IngestErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &pkgerrors.ValidationError{Field: "action", Message: "bad"}, http.StatusBadRequest},
		{"record failure", errors.New("database is locked"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{ingestErr: tt.err}
			s := newServer(t, eng)

			w := serve(s, githubRequest(issuePayload, "issues", "d", sign(githubSecret, issuePayload)))
			assert.Equal(t, tt.status, w.Code)
			assert.NotContains(t, w.Body.String(), "database is locked")
		})
	}
}

func TestWebhook_UnsignedGenericAllowed(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng, func(c *config.HTTPConfig) { c.AllowUnsignedWebhooks = true })

	body := []byte(`{"event":"ping","id":7,"attributes":{"room":"ops"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/custom", bytes.NewReader(body))
	w := serve(s, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, eng.events, 1)
	assert.Equal(t, "ping", eng.events[0].Action)
	assert.Equal(t, "7", eng.events[0].ExternalID)
	assert.Equal(t, "ops", eng.events[0].Attributes["room"])
}

func TestWebhook_SlackChallenge(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng, func(c *config.HTTPConfig) { c.WebhookSecrets["slack"] = "slack-secret" })

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte("slack-secret"))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))

	w := serve(s, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"challenge":"abc123"}`, w.Body.String())
	assert.Empty(t, eng.events)
}

func TestAdmin_RequiresToken(t *testing.T) {
	s := newServer(t, &fakeEngine{})

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"garbage", "Bearer not.a.jwt"},
		{"expired", "Bearer " + adminToken(t, "area-admin", -time.Minute)},
		{"wrong issuer", "Bearer " + adminToken(t, "someone-else", time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/scan/github", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(s, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAdmin_DisabledWithoutSecret(t *testing.T) {
	s := newServer(t, &fakeEngine{}, func(c *config.HTTPConfig) { c.AdminJWTSecret = "" })

	w := serve(s, adminRequest(t, http.MethodPost, "/admin/scan/github"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Scan(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng)

	w := serve(s, adminRequest(t, http.MethodPost, "/admin/scan/github"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary scanner.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "github", summary.Service)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, []string{"github"}, eng.scanned)
}

func TestAdmin_Replay(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng)

	w := serve(s, adminRequest(t, http.MethodPost, "/admin/automations/auto-1/replay?reset=true"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"auto-1"}, eng.replayed)
	assert.Equal(t, []bool{true}, eng.resets)
}

func TestAdmin_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown automation", &pkgerrors.NotFoundError{Resource: "automation", ID: "x"}, http.StatusNotFound},
		{"unknown service", fmt.Errorf("%w: gitlab", scanner.ErrUnknownService), http.StatusNotFound},
		{"paused", &pkgerrors.ValidationError{Field: "status", Message: "automation x is paused"}, http.StatusConflict},
		{"deadline", fmt.Errorf("scan: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, &fakeEngine{opErr: tt.err})
			w := serve(s, adminRequest(t, http.MethodPost, "/admin/automations/x/replay"))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAdmin_Executions(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng)

	w := serve(s, adminRequest(t, http.MethodGet, "/admin/executions?automation_id=auto-1&status=failed&limit=10&offset=20"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"exec-1"`)

	require.Len(t, eng.filters, 1)
	assert.Equal(t, store.ExecutionFilter{
		AutomationID: "auto-1",
		Status:       store.ExecutionFailed,
		Limit:        10,
		Offset:       20,
	}, eng.filters[0])

	for _, q := range []string{"status=done", "limit=0", "limit=501", "offset=-1"} {
		w := serve(s, adminRequest(t, http.MethodGet, "/admin/executions?"+q))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHealthz(t *testing.T) {
	eng := &fakeEngine{}
	s := newServer(t, eng)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	eng.readyErr = errors.New("store unreachable")
	w = serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, &fakeEngine{})

	w := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSignJWT_RoundTrip(t *testing.T) {
	cfg := JWTConfig{Secret: []byte(adminSecret), Issuer: "area-admin"}

	tok, err := SignJWT("ops", time.Minute, cfg)
	require.NoError(t, err)

	claims, err := ValidateJWT(tok, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "area-admin", claims.Issuer)

	_, err = ValidateJWT(tok, JWTConfig{Secret: []byte("other")})
	assert.Error(t, err)

	_, err = SignJWT("ops", time.Minute, JWTConfig{})
	assert.Error(t, err)
}

func TestValidateJWT_RejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(adminSecret))
	require.NoError(t, err)

	_, err = ValidateJWT(tok, JWTConfig{Secret: []byte(adminSecret)})
	assert.Error(t, err)
}

func TestCorrelationHeader(t *testing.T) {
	s := newServer(t, &fakeEngine{})

	w := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	generated := tracing.CorrelationID(w.Header().Get(tracing.HeaderCorrelationID))
	assert.True(t, generated.IsValid())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(tracing.HeaderRequestID, "7d444840-9dc0-11d1-b245-5ffdce74fad2")
	w = serve(s, req)
	assert.Equal(t, "7d444840-9dc0-11d1-b245-5ffdce74fad2", w.Header().Get(tracing.HeaderCorrelationID))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := newServer(t, &fakeEngine{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
