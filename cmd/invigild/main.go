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
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/invigileye/invigil/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = pflag.String("config", "", "Path to config file")
		listen       = pflag.String("listen", "", "Address to listen on")
		script       = pflag.String("script", "", "Detection worker script")
		dbPath       = pflag.String("db", "", "Path to the SQLite database")
		snapshotRoot = pflag.String("snapshots", "", "Root directory for evidence snapshots")
		logLevel     = pflag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
		showVersion  = pflag.Bool("version", false, "Show version information")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("invigild %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:      version,
		Commit:       commit,
		BuildDate:    buildDate,
		ConfigPath:   *configPath,
		Listen:       *listen,
		Script:       *script,
		DatabasePath: *dbPath,
		EvidenceRoot: *snapshotRoot,
		LogLevel:     *logLevel,
	})
	if err != nil {
		os.Exit(1)
	}
}
