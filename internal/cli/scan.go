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
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
)

func newScanCommand(root *rootOptions) *cobra.Command {
	opts := &adminOptions{}
	cmd := &cobra.Command{
		Use:   "scan <service>",
		Short: "Run one scan cycle of a service now",
		Long: `Ask a running server to scan every active automation of a service family
immediately, exactly as a scheduled tick does.`,
		Example: `  area-engine scan github
  area-engine scan timer --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(root, opts)
			if err != nil {
				return err
			}
			var summary scanner.Summary
			if err := client.do(cmd.Context(), http.MethodPost, "/scan/"+url.PathEscape(args[0]), nil, &summary); err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary, root.json)
		},
	}
	opts.register(cmd)
	return cmd
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	opts := &adminOptions{}
	var reset bool
	cmd := &cobra.Command{
		Use:   "replay <automation-id>",
		Short: "Scan one automation now",
		Long: `Ask a running server to scan a single automation. With --reset its polling
state is dropped first, so the poller starts over; events already recorded
are deduplicated and never run twice.`,
		Example: `  area-engine replay 6f1c0c1e-6d3a-4a53-9d0b-1f0f3c9a2a10
  area-engine replay 6f1c0c1e-6d3a-4a53-9d0b-1f0f3c9a2a10 --reset`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(root, opts)
			if err != nil {
				return err
			}
			query := url.Values{}
			if reset {
				query.Set("reset", strconv.FormatBool(reset))
			}
			var summary scanner.Summary
			path := "/automations/" + url.PathEscape(args[0]) + "/replay"
			if err := client.do(cmd.Context(), http.MethodPost, path, query, &summary); err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary, root.json)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop the polling state before scanning")
	opts.register(cmd)
	return cmd
}

func printSummary(w io.Writer, s scanner.Summary, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "Service:       %s\n", s.Service)
	fmt.Fprintf(w, "Automations:   %d\n", s.Automations)
	fmt.Fprintf(w, "Triggered:     %d\n", s.Triggered)
	fmt.Fprintf(w, "Skipped:       %d\n", s.Skipped)
	fmt.Fprintf(w, "Not polled:    %d\n", s.NotPolled)
	fmt.Fprintf(w, "No credential: %d\n", s.NoCredential)
	fmt.Fprintf(w, "Errored:       %d\n", s.Errored)
	return nil
}
