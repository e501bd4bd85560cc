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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
)

func newExecutionsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect execution history",
	}
	cmd.AddCommand(newExecutionsListCommand(root))
	return cmd
}

func newExecutionsListCommand(root *rootOptions) *cobra.Command {
	opts := &adminOptions{}
	var (
		automationID string
		status       statusFlag
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Example: `  area-engine executions list --automation 6f1c0c1e-6d3a-4a53-9d0b-1f0f3c9a2a10
  area-engine executions list --status failed --json | jq '.executions[].error_message'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(root, opts)
			if err != nil {
				return err
			}

			query := url.Values{}
			if automationID != "" {
				query.Set("automation_id", automationID)
			}
			if status != "" {
				query.Set("status", status.String())
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				query.Set("offset", strconv.Itoa(offset))
			}

			var resp struct {
				Executions []*store.Execution `json:"executions"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/executions", query, &resp); err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			printExecutions(cmd.OutOrStdout(), resp.Executions)
			return nil
		},
	}

	cmd.Flags().StringVar(&automationID, "automation", "", "Only executions of this automation")
	cmd.Flags().Var(&status, "status", "Only executions in this status (pending, running, success, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of executions (server default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of executions to skip")
	opts.register(cmd)
	return cmd
}

// statusFlag is an execution status checked when the flag is parsed.
type statusFlag store.ExecutionStatus

var _ pflag.Value = (*statusFlag)(nil)

func (f *statusFlag) String() string { return string(*f) }

func (f *statusFlag) Set(v string) error {
	s := store.ExecutionStatus(v)
	if !s.IsValid() {
		return fmt.Errorf("unknown status %q", v)
	}
	*f = statusFlag(s)
	return nil
}

func (f *statusFlag) Type() string { return "status" }

func printExecutions(w io.Writer, executions []*store.Execution) {
	if len(executions) == 0 {
		fmt.Fprintln(w, "No executions found.")
		return
	}
	fmt.Fprintf(w, "%-8s %-8s %-8s %-7s %-20s %s\n", "ID", "STATUS", "AUTO", "RETRIES", "CREATED", "EVENT")
	for _, ex := range executions {
		fmt.Fprintf(w, "%-8s %-8s %-8s %-7d %-20s %s\n",
			shortID(ex.ID), ex.Status, shortID(ex.AutomationID), ex.RetryCount,
			ex.CreatedAt.UTC().Format(time.DateTime), ex.ExternalEventID)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
