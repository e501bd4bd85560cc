package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBackoff = 10 * time.Millisecond
	return cfg
}

func TestRetryTransport_RetriesTransientStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		retry  bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"request timeout", http.StatusRequestTimeout, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if attempts.Add(1) == 1 {
					w.WriteHeader(tt.status)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			transport := newRetryTransport(http.DefaultTransport, testRetryConfig())
			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			resp, err := transport.RoundTrip(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()

			wantAttempts := int32(1)
			wantStatus := tt.status
			if tt.retry {
				wantAttempts, wantStatus = 2, http.StatusOK
			}
			if got := attempts.Load(); got != wantAttempts {
				t.Errorf("attempts = %d, want %d", got, wantAttempts)
			}
			if resp.StatusCode != wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, wantStatus)
			}
		})
	}
}

func TestRetryTransport_ExhaustedReturnsReadableResponse(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	transport := newRetryTransport(http.DefaultTransport, testRetryConfig())
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("body of last response must stay readable: %v", err)
	}
	if string(body) != "maintenance" {
		t.Errorf("body = %q, want %q", body, "maintenance")
	}
}

func TestRetryTransport_PostNotRetriedByDefault(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	transport := newRetryTransport(http.DefaultTransport, testRetryConfig())
	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"a":1}`))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRetryTransport_PostRetriedWithBodyWhenAllowed(t *testing.T) {
	var attempts atomic.Int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testRetryConfig()
	cfg.AllowNonIdempotentRetry = true
	transport := newRetryTransport(http.DefaultTransport, cfg)

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"a":1}`))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if got := lastBody.Load(); got != `{"a":1}` {
		t.Errorf("retried body = %q, want the original body", got)
	}
}

func TestRetryTransport_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testRetryConfig()
	cfg.RetryBackoff = time.Second
	cfg.MaxBackoff = time.Second
	transport := newRetryTransport(http.DefaultTransport, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	start := time.Now()
	_, err := transport.RoundTrip(req)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("cancellation not honored, took %v", time.Since(start))
	}
}

func TestCalculateBackoff(t *testing.T) {
	transport := &retryTransport{baseBackoff: 100 * time.Millisecond, maxBackoff: time.Second}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 120 * time.Millisecond},
		{2, 200 * time.Millisecond, 240 * time.Millisecond},
		{3, 400 * time.Millisecond, 480 * time.Millisecond},
		{10, time.Second, 1200 * time.Millisecond},
	}

	for _, tt := range tests {
		backoff := transport.calculateBackoff(tt.attempt)
		if backoff < tt.min || backoff > tt.max {
			t.Errorf("calculateBackoff(%d) = %v, want in [%v, %v]", tt.attempt, backoff, tt.min, tt.max)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		min    time.Duration
		max    time.Duration
	}{
		{"missing", "", 0, 0},
		{"seconds", "3", 3 * time.Second, 3 * time.Second},
		{"garbage", "soon", 0, 0},
		{"http date", time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat), 8 * time.Second, 10 * time.Second},
		{"date in past", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			got := ParseRetryAfter(resp)
			if got < tt.min || got > tt.max {
				t.Errorf("ParseRetryAfter() = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}
