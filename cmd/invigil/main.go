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


package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/invigileye/invigil/internal/cli"
	daemoncmd "github.com/invigileye/invigil/internal/commands/daemon"
	"github.com/invigileye/invigil/internal/commands/detect"
	"github.com/invigileye/invigil/internal/commands/events"
	"github.com/invigileye/invigil/internal/commands/exams"
	"github.com/invigileye/invigil/internal/commands/snapshots"
	versioncmd "github.com/invigileye/invigil/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(
		daemoncmd.NewServeCommand(),
		daemoncmd.NewCommand(),
		detect.NewCommand(),
		snapshots.NewCommand(),
		exams.NewCommand(),
		events.NewCommand(),
		versioncmd.NewVersionCommand(),
	)
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		cli.HandleExitError(err)
	}
}
