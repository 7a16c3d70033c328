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
	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
	invigild "github.com/invigileye/invigil/internal/daemon"
)

// serveFlags are the overrides applied on top of the loaded configuration.
type serveFlags struct {
	listen    string
	script    string
	db        string
	snapshots string
}

// runDaemon is replaced in tests.
var runDaemon = invigild.Run

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use: "serve",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Short: "Run the detection session daemon",
		Long: `Run the daemon that supervises detection workers.

The daemon serves the monitoring API, keeps at most one detection worker
per exam, and stops sessions whose exams have ended. It runs in the
foreground until interrupted; SIGINT or SIGTERM stop every running
session before exit.`,
		Example: `  # Start with the default configuration
  invigil serve

  # Listen on another address with a specific worker script
  invigil serve --listen 127.0.0.1:5100 --script ./detector/run.py`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := shared.GetVersion()
			var level string
			if shared.GetVerbose() {
				level = "debug"
			}
			return runDaemon(invigild.RunOptions{
				Version:      v,
				Commit:       c,
				BuildDate:    b,
				ConfigPath:   shared.GetConfigPath(),
				Listen:       flags.listen,
				Script:       flags.script,
				DatabasePath: flags.db,
				EvidenceRoot: flags.snapshots,
				LogLevel:     level,
			})
		},
	}

	cmd.Flags().StringVar(&flags.listen, "listen", "", "Address to listen on (default: 127.0.0.1:5001)")
	cmd.Flags().StringVar(&flags.script, "script", "", "Detection worker script")
	cmd.Flags().StringVar(&flags.db, "db", "", "Path to the SQLite database")
	cmd.Flags().StringVar(&flags.snapshots, "snapshots", "", "Root directory for evidence snapshots")

	return cmd
}
