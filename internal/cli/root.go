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

// Package cli implements the area-engine command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information, set from main.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

type rootOptions struct {
	configPath string
	json       bool
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "area-engine",
		Short: "AREA automation execution engine",
		Long: `area-engine watches external services for trigger events and runs the
reactions of every matching automation exactly once per event.

Run 'area-engine serve' to start the scheduler, dispatcher and webhook
ingress. The scan, replay and executions commands talk to a running
server through its admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("AREA_CONFIG"), "Path to config file (default: ~/.config/area-engine/config.yaml, env: AREA_CONFIG)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newServeCommand(opts),
		newScanCommand(opts),
		newReplayCommand(opts),
		newExecutionsCommand(opts),
		newAutomationsCommand(opts),
		newTokenCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}
