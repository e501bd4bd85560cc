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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/config"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/services"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/memory"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/postgres"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/sqlite"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	"github.com/My-Epitech-Organisation/Area-sub002/pkg/httpclient"
)

// runtime holds the components built from one configuration.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	engine *engine.Engine
}

// loadConfig loads path, or the default config file when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ExitError{Code: ExitInvalidConfig, Message: "failed to load configuration", Cause: err}
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	return log.New(&log.Config{
		Level:     cfg.Level,
		Format:    log.Format(cfg.Format),
		Output:    out,
		AddSource: cfg.AddSource,
	})
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(sqlite.Config{Path: cfg.Path, WAL: cfg.WAL})
	case "postgres":
		return postgres.Open(postgres.Config{
			ConnectionString: cfg.ConnectionString,
			MaxOpenConns:     cfg.MaxOpenConns,
			MaxIdleConns:     cfg.MaxIdleConns,
			ConnMaxLifetime:  cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func newTokenProvider(cfg config.TokensConfig, client *http.Client, logger *slog.Logger) tokens.Provider {
	var credentials tokens.Store
	if cfg.Store == "keyring" {
		credentials = tokens.NewKeyringStore(cfg.KeyringService)
	} else {
		credentials = tokens.NewMemoryStore()
	}

	clients := make(map[string]*oauth2.Config, len(cfg.Providers))
	for service, p := range cfg.Providers {
		clients[service] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
			Scopes:       p.Scopes,
		}
	}

	return tokens.NewOAuthProvider(tokens.Config{
		Store:          credentials,
		Clients:        clients,
		RefreshSkew:    cfg.RefreshSkew,
		RefreshTimeout: cfg.RefreshTimeout,
		HTTPClient:     client,
		Logger:         logger,
		OnRefresh:      metrics.RecordTokenRefresh,
	})
}

// bootstrap opens the store and builds an engine with every built-in
// service registered, then loads the optional catalog file on top.
func bootstrap(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, &ExitError{Code: ExitUnavailable, Message: "failed to open store", Cause: err}
	}

	clientCfg := httpclient.DefaultConfig()
	clientCfg.UserAgent = "area-engine/" + version
	clientCfg.Logger = logger
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}

	e, err := engine.New(engine.Config{
		Store:    st,
		Tokens:   newTokenProvider(cfg.Tokens, client, logger),
		Settings: cfg,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	if err := services.Register(e, services.Options{HTTPClient: client}); err != nil {
		return nil, errors.Join(err, st.Close())
	}
	if cfg.Catalog.Path != "" {
		if err := e.Catalog().LoadFile(cfg.Catalog.Path); err != nil {
			return nil, errors.Join(&ExitError{Code: ExitInvalidConfig, Message: "failed to load catalog", Cause: err}, st.Close())
		}
	}

	return &runtime{cfg: cfg, logger: logger, store: st, engine: e}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}
