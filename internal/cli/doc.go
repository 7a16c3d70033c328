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


/*
Package cli provides the root command and shared configuration for the
invigil CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	invigil
	├── serve         Run the daemon
	├── detect        start, stop, status, list
	├── snapshots     list, clean
	├── exams         reconcile, history
	├── events        Follow session events
	├── daemon        status, ping
	├── version       Show version
	└── help          Show help (--json for machine output)

# Global Flags

	--verbose, -v    Enable verbose output (serve logs at debug)
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
	--server         Daemon URL

# Error Handling

Errors are handled centrally to ensure proper exit codes:

  - Exit 0: Success
  - Exit 1: General error
  - Exit 2: Invalid arguments
  - Exit 3: Detection already running
  - Exit 4: Not found
  - Exit 69: Daemon unreachable

Use HandleExitError for consistent error handling:

	if err := cmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}
*/
package cli
