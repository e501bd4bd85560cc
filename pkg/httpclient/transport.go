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

package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/sanitize"
)

// loggingTransport logs every request with a sanitized URL, the status or
// error, and the duration. It also sets the User-Agent.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	service   string
	logger    *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, cfg Config) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &loggingTransport{
		base:      base,
		userAgent: cfg.UserAgent,
		service:   cfg.Service,
		logger:    logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", sanitize.URL(req.URL)),
		slog.Int64("duration_ms", duration),
	}
	if t.service != "" {
		attrs = append(attrs, slog.String("service", t.service))
	}

	if err != nil {
		t.logger.WarnContext(req.Context(), "http request failed", append(attrs, slog.String("error", err.Error()))...)
		return resp, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "http request", append(attrs, slog.Int("status", resp.StatusCode))...)

	return resp, nil
}
