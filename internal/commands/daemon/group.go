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


package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
	"github.com/invigileye/invigil/internal/daemon/api"
	"github.com/invigileye/invigil/internal/lifecycle"
)

// NewCommand creates the daemon command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "daemon",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Short: "Inspect the running daemon",
		Long: `Commands for checking on the invigil daemon.

The CLI talks to the daemon over HTTP. Set --server or INVIGIL_URL when
the daemon is not on the default address.`,
	}

	cmd.AddCommand(newDaemonStatusCommand())
	cmd.AddCommand(newDaemonPingCommand())

	return cmd
}

func newDaemonStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and active sessions",
		Args:  cobra.NoArgs,
		RunE:  runDaemonStatus,
	}
}

func newDaemonPingCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is reachable",
		Long: `Check if the daemon is reachable.

With --wait the daemon's health endpoint is polled with backoff until it
answers or the wait expires, which is useful right after 'invigil serve'
is launched in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonPing(cmd, wait)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the daemon to become healthy")

	return cmd
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var health api.HealthResponse
	if err := shared.APIGet(ctx, "/health", nil, &health); err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSONTo(cmd.OutOrStdout(), health)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, shared.Header.Render("invigil daemon"))
	fmt.Fprintln(out, shared.RenderField("Status", health.Status))
	fmt.Fprintln(out, shared.RenderField("Version", health.Version))
	fmt.Fprintln(out, shared.RenderField("Uptime", health.Uptime))
	fmt.Fprintln(out, shared.RenderField("Sessions", len(health.ActiveSessions)))
	for _, id := range health.ActiveSessions {
		fmt.Fprintf(out, "    %s %s\n", shared.SymbolInfo, id)
	}

	if pass := health.LastReconcile; pass != nil {
		line := fmt.Sprintf("%s, %d expired, %d stopped", pass.Time.Local().Format(time.RFC3339), len(pass.Expired), len(pass.Stopped))
		if pass.Error != "" {
			line = shared.StatusError.Render(line + ": " + pass.Error)
		}
		fmt.Fprintln(out, shared.RenderField("Reconciled", line))
	}

	return nil
}

func runDaemonPing(cmd *cobra.Command, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second+wait)
	defer cancel()

	if wait > 0 {
		checker := lifecycle.NewHealthChecker(shared.BuildAPIURL("/health", nil))
		var progress func(*lifecycle.HealthCheckResult, int)
		if shared.GetVerbose() {
			progress = func(r *lifecycle.HealthCheckResult, attempt int) {
				if !r.Success {
					fmt.Fprintln(cmd.ErrOrStderr(), shared.Muted.Render(fmt.Sprintf("waiting for daemon (attempt %d)", attempt)))
				}
			}
		}
		if err := checker.WaitUntilHealthyWithCallback(ctx, wait, progress); err != nil {
			return shared.NewUnavailableError(fmt.Sprintf("daemon at %s did not become healthy", shared.ServerURL()), err)
		}
	}

	start := time.Now()
	var health api.HealthResponse
	if err := shared.APIGet(ctx, "/health", nil, &health); err != nil {
		return err
	}
	latency := time.Since(start)

	if shared.GetJSON() {
		return shared.EmitJSONTo(cmd.OutOrStdout(), map[string]any{
			"status":     health.Status,
			"latency_ms": latency.Milliseconds(),
		})
	}

	if !shared.GetQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Daemon is running (latency: %v)", latency.Round(time.Millisecond))))
	}

	return nil
}
