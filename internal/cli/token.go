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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/ingress"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an admin API token",
		Long: `Sign a bearer token for the /admin API with the configured
http.admin_jwt_secret and print it.`,
		Example: `  export AREA_ADMIN_TOKEN=$(area-engine token --ttl 1h)`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return &ExitError{Code: ExitFailure, Message: "--ttl must be positive"}
			}
			if cfg.HTTP.AdminJWTSecret == "" {
				return &ExitError{Code: ExitInvalidConfig, Message: "http.admin_jwt_secret is not configured"}
			}
			token, err := ingress.SignJWT(subject, ttl, ingress.JWTConfig{
				Secret: []byte(cfg.HTTP.AdminJWTSecret),
				Issuer: cfg.HTTP.AdminJWTIssuer,
			})
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			if root.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"token":      token,
					"subject":    subject,
					"expires_at": time.Now().Add(ttl).UTC(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", cliSubject, "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
