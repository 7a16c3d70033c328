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


package exams

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
	"github.com/invigileye/invigil/internal/daemon/api"
	"github.com/invigileye/invigil/internal/reconciler"
)

// NewCommand creates the exams command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "exams",
		Annotations: map[string]string{
			"group": "sessions",
		},
		Short: "Exam expiry and session history",
	}

	cmd.AddCommand(newReconcileCommand())
	cmd.AddCommand(newHistoryCommand())

	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one expiry pass now",
		Long: `Mark every exam whose end time has passed as completed and stop its
detection session, removing its evidence. The daemon also does this on
its own schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pass reconciler.PassResult
			if err := shared.APISend(cmd.Context(), http.MethodPost, "/api/exams/reconcile", nil, &pass); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), pass)
			}

			out := cmd.OutOrStdout()
			if len(pass.Expired) == 0 {
				fmt.Fprintln(out, shared.RenderOK("No expired exams"))
				return nil
			}
			fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Completed %d exam(s), stopped %d session(s)", len(pass.Expired), len(pass.Stopped))))
			for _, id := range pass.Expired {
				fmt.Fprintf(out, "    %s %s\n", shared.SymbolInfo, id)
			}

			failed := make([]string, 0, len(pass.Failed))
			for id := range pass.Failed {
				failed = append(failed, id)
			}
			sort.Strings(failed)
			for _, id := range failed {
				fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf("%s: %s", id, pass.Failed[id])))
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <exam-id>",
		Short: "Show past detection sessions for an exam",
		Example: `  # Last 10 sessions
  invigil exams history EXAM-2025-001 --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return shared.NewInvalidArgsError("--limit must not be negative", nil)
			}

			var resp api.HistoryResponse
			path := "/api/monitoring/history/" + url.PathEscape(args[0])
			params := map[string]string{"limit": strconv.Itoa(limit)}
			if err := shared.APIGet(cmd.Context(), path, params, &resp); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			if len(resp.Sessions) == 0 {
				fmt.Fprintln(out, shared.Muted.Render("No sessions recorded for "+resp.ExamID))
				return nil
			}

			fmt.Fprintln(out, shared.Bold.Render(fmt.Sprintf("%-20s %-18s %-10s %s", "STARTED", "STATE", "DURATION", "DETAIL")))
			for _, rec := range resp.Sessions {
				duration := "-"
				if rec.EndedAt != nil {
					duration = rec.EndedAt.Sub(rec.StartedAt).Truncate(time.Second).String()
				}
				detail := rec.LastError
				if rec.Forced {
					detail = "forced " + detail
				}
				fmt.Fprintf(out, "%-20s %s %-10s %s\n",
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
					shared.PadRight(shared.RenderState(rec.State), 18), duration, detail)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of sessions to show (0 for all)")

	return cmd
}
