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

// Package ingress is the HTTP surface of the engine: webhook deliveries,
// administrative trigger points, health and metrics.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/config"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tracing"
)

// maxBodyBytes bounds a webhook body.
const maxBodyBytes = 1 << 20

// Engine is the part of the engine the HTTP surface drives.
type Engine interface {
	Ingest(ctx context.Context, ev engine.PushedEvent) (engine.IngestResult, error)
	ScanNow(ctx context.Context, service string) (scanner.Summary, error)
	Replay(ctx context.Context, automationID string, reset bool) (scanner.Summary, error)
	Executions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Ready(ctx context.Context) error
}

var _ Engine = (*engine.Engine)(nil)

// Source describes how deliveries of one service are authenticated and
// mapped to catalog actions.
type Source struct {
	Verifier Verifier

	// Actions maps a delivery event type to a catalog action; the "*" key
	// catches every other event. Events missing from a non-nil map are
	// acknowledged and dropped. A nil map uses the event type as the
	// action name.
	Actions map[string]string

	// Normalize, when set, rewrites a parsed delivery before ingest. It
	// gives pushed events the id and data shape the service's poller uses,
	// so the same event arriving both ways dedupes.
	Normalize func(action string, d *Delivery)
}

func (s Source) action(event string) (string, bool) {
	if s.Actions == nil {
		return event, event != ""
	}
	if a, ok := s.Actions[event]; ok {
		return a, true
	}
	a, ok := s.Actions["*"]
	return a, ok
}

// Config configures a Server.
type Config struct {
	Engine Engine
	HTTP   config.HTTPConfig
	Logger *slog.Logger
}

// Server serves the engine over HTTP.
type Server struct {
	engine Engine
	cfg    config.HTTPConfig
	router *gin.Engine
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]Source
}

// New builds a Server. GitHub and Slack sources are registered by default;
// other services fall back to the generic verifier.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("ingress: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		engine: cfg.Engine,
		cfg:    cfg.HTTP,
		logger: log.WithComponent(cfg.Logger, "ingress"),
		sources: map[string]Source{
			"github": {Verifier: GitHubVerifier{}},
			"slack":  {Verifier: SlackVerifier{}},
		},
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.correlation())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/webhooks/:service", s.webhook)

	if cfg.HTTP.AdminJWTSecret != "" {
		admin := r.Group("/admin", s.requireAdmin(JWTConfig{
			Secret: []byte(cfg.HTTP.AdminJWTSecret),
			Issuer: cfg.HTTP.AdminJWTIssuer,
		}))
		admin.POST("/scan/:service", s.scan)
		admin.POST("/automations/:id/replay", s.replay)
		admin.GET("/executions", s.executions)
	} else {
		s.logger.Warn("admin routes disabled: no admin JWT secret configured")
	}

	s.router = r
	return s, nil
}

// RegisterSource sets how deliveries for service are verified and mapped.
func (s *Server) RegisterSource(service string, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[service] = src
}

func (s *Server) source(service string) Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if src, ok := s.sources[service]; ok {
		if src.Verifier == nil {
			src.Verifier = GenericVerifier{}
		}
		return src
	}
	return Source{Verifier: GenericVerifier{}}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on the configured address until ctx is cancelled, then
// shuts down within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, id := tracing.Extract(c.Request.Context(), c.Request)
		c.Request = c.Request.WithContext(ctx)
		c.Header(tracing.HeaderCorrelationID, id.String())
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.engine.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
