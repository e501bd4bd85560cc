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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/ingress"
	"github.com/My-Epitech-Organisation/Area-sub002/pkg/httpclient"
)

const (
	defaultServerURL = "http://localhost:8080"
	cliTokenTTL      = 5 * time.Minute
	cliSubject       = "area-engine-cli"
)

// adminOptions locate a running server and authenticate against it.
type adminOptions struct {
	server string
	token  string
}

func (o *adminOptions) register(cmd *cobra.Command) {
	server := os.Getenv("AREA_SERVER_URL")
	if server == "" {
		server = defaultServerURL
	}
	cmd.Flags().StringVar(&o.server, "server", server, "Server base URL (env: AREA_SERVER_URL)")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv("AREA_ADMIN_TOKEN"), "Admin bearer token (env: AREA_ADMIN_TOKEN)")
}

// adminClient calls the /admin API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAdminClient resolves the bearer token from the flag, the environment,
// or by signing one with the configured admin secret.
func newAdminClient(root *rootOptions, opts *adminOptions) (*adminClient, error) {
	token := opts.token
	if token == "" {
		cfg, err := loadConfig(root.configPath)
		if err != nil {
			return nil, err
		}
		if cfg.HTTP.AdminJWTSecret == "" {
			return nil, &ExitError{
				Code:    ExitInvalidConfig,
				Message: "no admin token: pass --token, set AREA_ADMIN_TOKEN or configure http.admin_jwt_secret",
			}
		}
		token, err = ingress.SignJWT(cliSubject, cliTokenTTL, ingress.JWTConfig{
			Secret: []byte(cfg.HTTP.AdminJWTSecret),
			Issuer: cfg.HTTP.AdminJWTIssuer,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sign admin token: %w", err)
		}
	}

	clientCfg := httpclient.DefaultConfig()
	clientCfg.UserAgent = "area-engine-cli/" + version
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return nil, err
	}
	return &adminClient{
		baseURL: strings.TrimRight(opts.server, "/"),
		token:   token,
		http:    client,
	}, nil
}

// do sends a request to path and decodes a 2xx JSON response into out.
func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + "/admin" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ExitError{Code: ExitUnavailable, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &ExitError{Code: exitCodeForStatus(resp.StatusCode), Message: fmt.Sprintf("API error (%d)", resp.StatusCode), Cause: errors.New(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func exitCodeForStatus(status int) int {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ExitInvalidConfig
	case status == http.StatusConflict:
		return ExitInvalidAutomation
	case status >= 500:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
