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
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

// automationsFile is the YAML layout read by automations import.
type automationsFile struct {
	Automations []*store.Automation `yaml:"automations"`
}

// importResult reports one automation of an import.
type importResult struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

func newAutomationsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automations",
		Short: "Manage automations in the store",
	}
	cmd.AddCommand(
		newAutomationsImportCommand(root),
		newAutomationsListCommand(root),
	)
	return cmd
}

func newAutomationsImportCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate and store automations from a YAML file",
		Long: `Read a YAML document with an 'automations' list, validate every entry
against the service catalog and store the valid ones. Invalid entries are
reported and never reach the engine.`,
		Example: `  area-engine automations import automations.yaml

  # automations.yaml
  automations:
    - owner_id: user-1
      name: nightly ping
      trigger_action: daily_at
      trigger_config: {time: "02:00", timezone: Europe/Paris}
      reaction: http_post
      reaction_config: {url: https://example.com/hook}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, root, args[0])
		},
	}
}

func runImport(cmd *cobra.Command, root *rootOptions, path string) error {
	file, err := readAutomations(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	rt, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("failed to close store", log.Error(err))
		}
	}()

	results := make([]importResult, 0, len(file.Automations))
	failed := 0
	for i, a := range file.Automations {
		res := importResult{Index: i}
		if a == nil {
			res.Error = "empty entry"
		} else {
			res.Name = a.Name
			if err := rt.engine.ImportAutomation(cmd.Context(), a); err != nil {
				res.Error = err.Error()
			} else {
				res.ID = a.ID
			}
		}
		if res.Error != "" {
			failed++
		}
		results = append(results, res)
	}

	out := cmd.OutOrStdout()
	if root.json {
		if err := writeJSON(out, map[string]any{"results": results}); err != nil {
			return err
		}
	} else {
		printImport(out, results)
	}

	if failed > 0 {
		return &ExitError{
			Code:    ExitInvalidAutomation,
			Message: fmt.Sprintf("%d of %d automations rejected", failed, len(results)),
		}
	}
	return nil
}

func readAutomations(path string) (*automationsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ExitError{Code: ExitFailure, Message: "failed to open automations file", Cause: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var file automationsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ExitError{Code: ExitInvalidAutomation, Message: "failed to parse automations file", Cause: err}
	}
	return &file, nil
}

func printImport(w io.Writer, results []importResult) {
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("#%d", r.Index)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "rejected %s: %s\n", name, r.Error)
			continue
		}
		fmt.Fprintf(w, "imported %s as %s\n", name, r.ID)
	}
}

func newAutomationsListCommand(root *rootOptions) *cobra.Command {
	var (
		status  string
		service string
		owner   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored automations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.AutomationFilter{
				Status:         store.AutomationStatus(status),
				TriggerService: service,
				OwnerID:        owner,
			}
			if status != "" && !filter.Status.IsValid() {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("unknown status %q", status)}
			}

			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg.Store)
			if err != nil {
				return &ExitError{Code: ExitUnavailable, Message: "failed to open store", Cause: err}
			}
			defer st.Close()

			automations, err := st.ListAutomations(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list automations: %w", err)
			}
			if automations == nil {
				automations = []*store.Automation{}
			}

			out := cmd.OutOrStdout()
			if root.json {
				return writeJSON(out, map[string]any{"automations": automations})
			}
			if len(automations) == 0 {
				fmt.Fprintln(out, "No automations found.")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-8s %-18s %-14s %s\n", "ID", "STATUS", "ACTION", "REACTION", "NAME")
			for _, a := range automations {
				fmt.Fprintf(out, "%-36s %-8s %-18s %-14s %s\n", a.ID, a.Status, a.TriggerAction, a.Reaction, a.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only automations in this status")
	cmd.Flags().StringVar(&service, "service", "", "Only automations triggered by this service")
	cmd.Flags().StringVar(&owner, "owner", "", "Only automations of this owner")
	return cmd
}
