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

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/ingress"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/services"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tracing"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the webhook ingress",
		Long: `Start the scan scheduler, the reaction dispatcher and, unless http.listen
is empty, the HTTP server for webhooks, health, metrics and admin calls.

SIGINT or SIGTERM stops scheduling and waits up to http.shutdown_timeout
for running scans and reactions to finish.`,
		Example: `  # Run with a config file
  area-engine serve --config /etc/area/config.yaml

  # Local development with an in-memory store
  AREA_STORE_TYPE=memory area-engine serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.ErrOrStderr())
		},
	}
}

// runServe blocks until ctx is cancelled or the HTTP server fails.
func runServe(ctx context.Context, opts *rootOptions, stderr io.Writer) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, stderr)
	slog.SetDefault(logger)

	tp, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return &ExitError{Code: ExitInvalidConfig, Message: "failed to set up tracing", Cause: err}
	}

	rt, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("failed to close store", log.Error(err))
		}
	}()

	if err := rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var serveErr error
	if cfg.HTTP.Listen != "" {
		srv, err := ingress.New(ingress.Config{Engine: rt.engine, HTTP: cfg.HTTP, Logger: logger})
		if err != nil {
			serveErr = err
		} else {
			services.RegisterSources(srv)
			logger.Info("http server listening", slog.String("addr", cfg.HTTP.Listen))
			serveErr = srv.Serve(ctx)
		}
	} else {
		logger.Info("http server disabled")
		<-ctx.Done()
	}
	if serveErr != nil {
		logger.Error("http server stopped", log.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	return errors.Join(serveErr, rt.engine.Shutdown(shutdownCtx), tp.Shutdown(shutdownCtx))
}
