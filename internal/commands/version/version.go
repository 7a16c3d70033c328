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


package version

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
)

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string      `json:"version"`
	Commit    string      `json:"commit"`
	BuildDate string      `json:"build_date"`
	Daemon    *DaemonInfo `json:"daemon,omitempty"`
}

// DaemonInfo is the version reported by a running daemon.
type DaemonInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var withDaemon bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date for invigil.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, withDaemon)
		},
	}

	cmd.Flags().BoolVar(&withDaemon, "daemon", false, "Also query the running daemon's version")

	return cmd
}

func runVersion(cmd *cobra.Command, withDaemon bool) error {
	v, c, b := shared.GetVersion()

	info := VersionInfo{
		Version:   v,
		Commit:    c,
		BuildDate: b,
	}

	if withDaemon {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		var d DaemonInfo
		if err := shared.APIGet(ctx, "/version", nil, &d); err != nil {
			return err
		}
		info.Daemon = &d
	}

	if shared.GetJSON() {
		return shared.EmitJSONTo(cmd.OutOrStdout(), info)
	}

	cmd.Printf("invigil version %s\n", info.Version)
	cmd.Printf("  commit:     %s\n", info.Commit)
	cmd.Printf("  build date: %s\n", info.BuildDate)
	if info.Daemon != nil {
		cmd.Printf("daemon version %s (%s)\n", info.Daemon.Version, info.Daemon.Commit)
	}

	return nil
}
