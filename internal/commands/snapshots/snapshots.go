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


package snapshots

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
	"github.com/invigileye/invigil/internal/daemon/api"
)

// NewCommand creates the snapshots command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "snapshots",
		Annotations: map[string]string{
			"group": "evidence",
		},
		Short: "List and remove evidence snapshots",
		Long: `Work with the evidence images a detection worker saves for an exam.

Snapshots are listed newest first. Cleaning is refused while the exam's
detection session is running.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newCleanCommand())

	return cmd
}

func snapshotsPath(examID string) string {
	return "/api/monitoring/snapshots/" + url.PathEscape(examID)
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list <exam-id>",
		Aliases: []string{"ls"},
		Short:   "List an exam's snapshots",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.SnapshotsResponse
			if err := shared.APIGet(cmd.Context(), snapshotsPath(args[0]), nil, &resp); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			if resp.Count == 0 {
				fmt.Fprintln(out, shared.Muted.Render("No snapshots for "+resp.ExamID))
				return nil
			}
			fmt.Fprintln(out, shared.Header.Render(fmt.Sprintf("%s (%d)", resp.ExamID, resp.Count)))
			for _, s := range resp.Snapshots {
				fmt.Fprintf(out, "  %s  %s  %s\n",
					shared.Muted.Render(s.ModTime.Local().Format("2006-01-02 15:04:05")), s.Filename, shared.Muted.Render(s.URL))
			}
			return nil
		},
	}
}

func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <exam-id>",
		Short: "Delete an exam's snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := shared.APISend(cmd.Context(), http.MethodDelete, snapshotsPath(args[0]), nil, &resp); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), resp)
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Evidence removed for "+args[0]))
			}
			return nil
		},
	}
}
