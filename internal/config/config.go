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

// Package config loads the engine configuration. The bootstrap builds one
// Config and passes its sections into component constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	areaerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Retry scopes for the dispatcher retry budget.
const (
	// RetryScopeExecution caps retries per Execution.
	RetryScopeExecution = "execution"

	// RetryScopeAutomationDaily additionally caps the total retries of one
	// automation per UTC day.
	RetryScopeAutomationDaily = "automation_daily"
)

// Config represents the complete engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Tokens     TokensConfig     `yaml:"tokens"`
	HTTP       HTTPConfig       `yaml:"http"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format is the output format (json, text).
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line to each record.
	AddSource bool `yaml:"add_source"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	// Type is one of memory, sqlite, postgres.
	// Environment: AREA_STORE_TYPE
	Type string `yaml:"type"`

	// Path is the SQLite database file.
	// Environment: AREA_STORE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables SQLite write-ahead logging.
	WAL bool `yaml:"wal"`

	// ConnectionString is the PostgreSQL URL.
	// Environment: AREA_DATABASE_URL
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// SchedulerConfig configures periodic scanning.
type SchedulerConfig struct {
	// DefaultInterval is the scan period of a service family without an
	// explicit entry in Intervals.
	// Environment: AREA_SCAN_INTERVAL
	DefaultInterval time.Duration `yaml:"default_interval"`

	// Intervals overrides the scan period per service family.
	Intervals map[string]time.Duration `yaml:"intervals,omitempty"`

	// ScanTimeout is the wall-clock budget of one scan cycle.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// AutomationTimeout bounds the external calls made for one automation.
	AutomationTimeout time.Duration `yaml:"automation_timeout"`

	// Jitter is the fraction of the interval used as random spread (0 to 1).
	Jitter float64 `yaml:"jitter"`

	// Concurrency is the number of automations scanned in parallel per cycle.
	Concurrency int `yaml:"concurrency"`

	// RequestsPerMinute caps external poll requests per service family.
	// Zero means unlimited.
	RequestsPerMinute map[string]int `yaml:"requests_per_minute,omitempty"`
}

// IntervalFor returns the scan period of a service family.
func (c SchedulerConfig) IntervalFor(service string) time.Duration {
	if d, ok := c.Intervals[service]; ok && d > 0 {
		return d
	}
	return c.DefaultInterval
}

// DispatcherConfig configures reaction dispatch.
type DispatcherConfig struct {
	// Workers is the number of concurrent dispatch workers.
	// Environment: AREA_DISPATCH_WORKERS
	Workers int `yaml:"workers"`

	// MaxRetries is the number of retries allowed after the first attempt.
	// Environment: AREA_DISPATCH_MAX_RETRIES
	MaxRetries int `yaml:"max_retries"`

	// RetryScope is execution or automation_daily.
	// Environment: AREA_RETRY_SCOPE
	RetryScope string `yaml:"retry_scope"`

	// DailyRetryBudget is the per-automation retry cap per UTC day when
	// RetryScope is automation_daily.
	DailyRetryBudget int `yaml:"daily_retry_budget,omitempty"`

	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// HandlerTimeout bounds one reaction handler call.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// StaleAfter is how long an execution may stay running before the
	// recovery sweeper assumes its dispatcher is gone.
	StaleAfter time.Duration `yaml:"stale_after"`

	// RecoveryInterval is the period of the recovery sweeper.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`

	// EnqueueAttempts is how many times the ledger retries a failed enqueue
	// before leaving the execution to the recovery sweeper.
	EnqueueAttempts int `yaml:"enqueue_attempts"`
}

// TokensConfig configures credential resolution.
type TokensConfig struct {
	// Store is memory or keyring.
	Store string `yaml:"store"`

	// KeyringService is the OS keyring service name.
	KeyringService string `yaml:"keyring_service,omitempty"`

	// RefreshSkew refreshes tokens expiring within this window.
	RefreshSkew time.Duration `yaml:"refresh_skew"`

	// RefreshTimeout bounds one token refresh call.
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`

	// Providers holds OAuth client settings keyed by service name.
	Providers map[string]OAuthProvider `yaml:"providers,omitempty"`
}

// OAuthProvider is the OAuth2 client of one service.
type OAuthProvider struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// HTTPConfig configures the ingress server.
type HTTPConfig struct {
	// Listen is the TCP address. Empty disables the server.
	// Environment: AREA_HTTP_LISTEN
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown of the whole process.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WebhookSecrets holds the signing secret per service.
	// Environment: AREA_WEBHOOK_SECRET_<SERVICE>
	WebhookSecrets map[string]string `yaml:"webhook_secrets,omitempty"`

	// AllowUnsignedWebhooks accepts deliveries for services without a
	// configured secret. Meant for local development.
	AllowUnsignedWebhooks bool `yaml:"allow_unsigned_webhooks"`

	// AdminJWTSecret is the HS256 key for admin routes. Empty disables them.
	// Environment: AREA_ADMIN_JWT_SECRET
	AdminJWTSecret string `yaml:"admin_jwt_secret,omitempty"`

	// AdminJWTIssuer is the required iss claim, if set.
	AdminJWTIssuer string `yaml:"admin_jwt_issuer,omitempty"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	// Exporter is none, stdout, otlp (HTTP) or otlp-grpc.
	// Environment: AREA_TRACING_EXPORTER
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint (host:port).
	// Environment: AREA_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Headers are sent with every OTLP export request.
	Headers map[string]string `yaml:"headers,omitempty"`

	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// CatalogConfig points at an optional YAML service catalog merged over the
// built-in service definitions.
type CatalogConfig struct {
	// Path is the catalog file.
	// Environment: AREA_CATALOG_PATH
	Path string `yaml:"path,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Type: "sqlite",
			Path: "area.db",
			WAL:  true,
		},
		Scheduler: SchedulerConfig{
			DefaultInterval:   5 * time.Minute,
			ScanTimeout:       2 * time.Minute,
			AutomationTimeout: 30 * time.Second,
			Jitter:            0.1,
			Concurrency:       8,
		},
		Dispatcher: DispatcherConfig{
			Workers:          4,
			MaxRetries:       3,
			RetryScope:       RetryScopeExecution,
			DailyRetryBudget: 50,
			BaseBackoff:      10 * time.Second,
			MaxBackoff:       5 * time.Minute,
			HandlerTimeout:   30 * time.Second,
			StaleAfter:       10 * time.Minute,
			RecoveryInterval: time.Minute,
			EnqueueAttempts:  3,
		},
		Tokens: TokensConfig{
			Store:          "memory",
			KeyringService: "area-engine",
			RefreshSkew:    5 * time.Minute,
			RefreshTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen:          ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
			ServiceName: "area-engine",
		},
	}
}

// Load loads configuration from a YAML file (optional), applies defaults,
// then environment overrides, then validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &areaerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &areaerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Type == "" {
		c.Store.Type = defaults.Store.Type
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}

	s := &c.Scheduler
	if s.DefaultInterval == 0 {
		s.DefaultInterval = defaults.Scheduler.DefaultInterval
	}
	if s.ScanTimeout == 0 {
		s.ScanTimeout = defaults.Scheduler.ScanTimeout
	}
	if s.AutomationTimeout == 0 {
		s.AutomationTimeout = defaults.Scheduler.AutomationTimeout
	}
	if s.Concurrency == 0 {
		s.Concurrency = defaults.Scheduler.Concurrency
	}

	d := &c.Dispatcher
	if d.Workers == 0 {
		d.Workers = defaults.Dispatcher.Workers
	}
	if d.RetryScope == "" {
		d.RetryScope = defaults.Dispatcher.RetryScope
	}
	if d.DailyRetryBudget == 0 {
		d.DailyRetryBudget = defaults.Dispatcher.DailyRetryBudget
	}
	if d.BaseBackoff == 0 {
		d.BaseBackoff = defaults.Dispatcher.BaseBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = defaults.Dispatcher.MaxBackoff
	}
	if d.HandlerTimeout == 0 {
		d.HandlerTimeout = defaults.Dispatcher.HandlerTimeout
	}
	if d.StaleAfter == 0 {
		d.StaleAfter = defaults.Dispatcher.StaleAfter
	}
	if d.RecoveryInterval == 0 {
		d.RecoveryInterval = defaults.Dispatcher.RecoveryInterval
	}
	if d.EnqueueAttempts == 0 {
		d.EnqueueAttempts = defaults.Dispatcher.EnqueueAttempts
	}

	if c.Tokens.Store == "" {
		c.Tokens.Store = defaults.Tokens.Store
	}
	if c.Tokens.KeyringService == "" {
		c.Tokens.KeyringService = defaults.Tokens.KeyringService
	}
	if c.Tokens.RefreshSkew == 0 {
		c.Tokens.RefreshSkew = defaults.Tokens.RefreshSkew
	}
	if c.Tokens.RefreshTimeout == 0 {
		c.Tokens.RefreshTimeout = defaults.Tokens.RefreshTimeout
	}

	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = defaults.HTTP.ShutdownTimeout
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

const webhookSecretPrefix = "AREA_WEBHOOK_SECRET_"

func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("AREA_STORE_TYPE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("AREA_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("AREA_DATABASE_URL"); val != "" {
		c.Store.ConnectionString = val
	}

	if val := os.Getenv("AREA_SCAN_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Scheduler.DefaultInterval = duration
		}
	}

	if val := os.Getenv("AREA_DISPATCH_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatcher.Workers = n
		}
	}
	if val := os.Getenv("AREA_DISPATCH_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatcher.MaxRetries = n
		}
	}
	if val := os.Getenv("AREA_RETRY_SCOPE"); val != "" {
		c.Dispatcher.RetryScope = strings.ToLower(val)
	}

	if val := os.Getenv("AREA_HTTP_LISTEN"); val != "" {
		c.HTTP.Listen = val
	}
	if val := os.Getenv("AREA_ADMIN_JWT_SECRET"); val != "" {
		c.HTTP.AdminJWTSecret = val
	}
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(key, webhookSecretPrefix) {
			continue
		}
		service := strings.ToLower(strings.TrimPrefix(key, webhookSecretPrefix))
		if c.HTTP.WebhookSecrets == nil {
			c.HTTP.WebhookSecrets = make(map[string]string)
		}
		c.HTTP.WebhookSecrets[service] = val
	}

	if val := os.Getenv("AREA_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("AREA_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	if val := os.Getenv("AREA_CATALOG_PATH"); val != "" {
		c.Catalog.Path = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"trace", "debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of %v, got %q", validLevels, c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.ConnectionString == "" {
			errs = append(errs, "store.connection_string is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [memory, sqlite, postgres], got %q", c.Store.Type))
	}

	s := c.Scheduler
	if s.DefaultInterval <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.default_interval must be positive, got %v", s.DefaultInterval))
	}
	for service, d := range s.Intervals {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("scheduler.intervals.%s must be positive, got %v", service, d))
		}
	}
	if s.ScanTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.scan_timeout must be positive, got %v", s.ScanTimeout))
	}
	if s.AutomationTimeout <= 0 || s.AutomationTimeout > s.ScanTimeout {
		errs = append(errs, fmt.Sprintf("scheduler.automation_timeout must be positive and at most scan_timeout, got %v", s.AutomationTimeout))
	}
	if s.Jitter < 0 || s.Jitter > 1 {
		errs = append(errs, fmt.Sprintf("scheduler.jitter must be between 0 and 1, got %v", s.Jitter))
	}
	if s.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.concurrency must be at least 1, got %d", s.Concurrency))
	}
	for service, n := range s.RequestsPerMinute {
		if n < 0 {
			errs = append(errs, fmt.Sprintf("scheduler.requests_per_minute.%s must not be negative, got %d", service, n))
		}
	}

	d := c.Dispatcher
	if d.Workers < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.workers must be at least 1, got %d", d.Workers))
	}
	if d.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.max_retries must not be negative, got %d", d.MaxRetries))
	}
	if d.RetryScope != RetryScopeExecution && d.RetryScope != RetryScopeAutomationDaily {
		errs = append(errs, fmt.Sprintf("dispatcher.retry_scope must be one of [%s, %s], got %q",
			RetryScopeExecution, RetryScopeAutomationDaily, d.RetryScope))
	}
	if d.RetryScope == RetryScopeAutomationDaily && d.DailyRetryBudget < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.daily_retry_budget must be at least 1, got %d", d.DailyRetryBudget))
	}
	if d.BaseBackoff <= 0 || d.MaxBackoff < d.BaseBackoff {
		errs = append(errs, fmt.Sprintf("dispatcher backoff must satisfy 0 < base_backoff <= max_backoff, got %v and %v", d.BaseBackoff, d.MaxBackoff))
	}
	if d.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.handler_timeout must be positive, got %v", d.HandlerTimeout))
	}
	if d.StaleAfter <= d.HandlerTimeout {
		errs = append(errs, fmt.Sprintf("dispatcher.stale_after must exceed handler_timeout, got %v", d.StaleAfter))
	}
	if d.RecoveryInterval <= 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.recovery_interval must be positive, got %v", d.RecoveryInterval))
	}
	if d.EnqueueAttempts < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.enqueue_attempts must be at least 1, got %d", d.EnqueueAttempts))
	}

	if c.Tokens.Store != "memory" && c.Tokens.Store != "keyring" {
		errs = append(errs, fmt.Sprintf("tokens.store must be one of [memory, keyring], got %q", c.Tokens.Store))
	}
	if c.Tokens.RefreshSkew < 0 {
		errs = append(errs, fmt.Sprintf("tokens.refresh_skew must not be negative, got %v", c.Tokens.RefreshSkew))
	}
	for name, p := range c.Tokens.Providers {
		if p.ClientID == "" || p.TokenURL == "" {
			errs = append(errs, fmt.Sprintf("tokens.providers.%s requires client_id and token_url", name))
		}
	}

	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("http.shutdown_timeout must be positive, got %v", c.HTTP.ShutdownTimeout))
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp", "otlp-grpc":
		if c.Tracing.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [none, stdout, otlp, otlp-grpc], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
