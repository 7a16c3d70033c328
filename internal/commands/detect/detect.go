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


// Package detect implements the commands that start, stop, and inspect
// detection sessions through the daemon API.
package detect

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
	"github.com/invigileye/invigil/internal/daemon/api"
	"github.com/invigileye/invigil/internal/detection"
)

// NewCommand creates the detect command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "detect",
		Annotations: map[string]string{
			"group": "sessions",
		},
		Short: "Start, stop, and inspect detection sessions",
		Long: `Manage the detection worker for an exam.

Each exam has at most one running detection session. Starting a second
session for the same exam fails with exit code 3.`,
	}

	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newListCommand())

	return cmd
}

func newStartCommand() *cobra.Command {
	var (
		studentID string
		camera    int
	)

	cmd := &cobra.Command{
		Use:   "start <exam-id>",
		Short: "Start detection for an exam",
		Example: `  # Start with the default camera
  invigil detect start EXAM-2025-001

  # Use the second camera and tag the student
  invigil detect start EXAM-2025-001 --camera 1 --student S-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := detection.StartRequest{
				ExamID:    args[0],
				StudentID: studentID,
			}
			if cmd.Flags().Changed("camera") {
				if camera < 0 {
					return shared.NewInvalidArgsError("--camera must not be negative", nil)
				}
				req.CameraIndex = &camera
			}

			var result detection.StartResult
			if err := shared.APISend(cmd.Context(), http.MethodPost, "/api/monitoring/start-detection", req, &result); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), result)
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Detection started for %s", result.ExamID)))
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderField("Session", result.SessionID))
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderField("PID", result.PID))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&studentID, "student", "", "Student identifier passed to the worker")
	cmd.Flags().IntVar(&camera, "camera", 0, "Camera index (default: worker default)")

	return cmd
}

func newStopCommand() *cobra.Command {
	var cleanup bool

	cmd := &cobra.Command{
		Use:   "stop <exam-id>",
		Short: "Stop detection for an exam",
		Long: `Stop the exam's detection worker.

The worker is asked to exit and is killed if it does not exit within the
stop timeout. Stopping an exam with no running session succeeds. With
--cleanup the exam's evidence snapshots are deleted afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result detection.StopResult
			req := api.StopRequest{ExamID: args[0], Cleanup: cleanup}
			if err := shared.APISend(cmd.Context(), http.MethodPost, "/api/monitoring/stop-detection", req, &result); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), result)
			}
			if shared.GetQuiet() {
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, shared.RenderOK(result.Message))
			if result.Warning != "" {
				fmt.Fprintln(out, shared.RenderWarn(result.Warning))
			}
			if result.Cleaned {
				fmt.Fprintln(out, shared.RenderInfo("Evidence removed"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "Delete the exam's evidence after stopping")

	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <exam-id>",
		Short: "Show the detection status of an exam",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status detection.Status
			path := "/api/monitoring/status/" + url.PathEscape(args[0])
			if err := shared.APIGet(cmd.Context(), path, nil, &status); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), status)
			}

			out := cmd.OutOrStdout()
			state := string(status.State)
			fmt.Fprintln(out, shared.Header.Render(status.ExamID))
			fmt.Fprintln(out, shared.RenderField("State", shared.RenderState(state)))
			if status.SessionID != "" {
				fmt.Fprintln(out, shared.RenderField("Session", status.SessionID))
			}
			if status.PID != 0 {
				fmt.Fprintln(out, shared.RenderField("PID", status.PID))
			}
			if status.StartedAt != nil {
				fmt.Fprintln(out, shared.RenderField("Uptime", shared.FormatAge(*status.StartedAt, time.Now())))
			}
			if status.LastError != "" {
				fmt.Fprintln(out, shared.RenderField("Last error", shared.StatusError.Render(status.LastError)))
			}
			fmt.Fprintln(out, shared.RenderField("Evidence", status.EvidenceCount))
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List running detection sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.SessionsResponse
			if err := shared.APIGet(cmd.Context(), "/api/monitoring/sessions", nil, &resp); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSONTo(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			if len(resp.Details) == 0 {
				fmt.Fprintln(out, shared.Muted.Render("No detection sessions running"))
				return nil
			}

			now := time.Now()
			fmt.Fprintln(out, shared.Bold.Render(fmt.Sprintf("%-24s %-18s %-8s %s", "EXAM", "STATE", "PID", "UPTIME")))
			for _, s := range resp.Details {
				fmt.Fprintf(out, "%-24s %s %-8d %s\n",
					s.ExamID, shared.PadRight(shared.RenderState(string(s.State)), 18), s.PID, shared.FormatAge(s.StartedAt, now))
			}
			return nil
		},
	}
}
