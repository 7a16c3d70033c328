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
Package lifecycle spawns and terminates detection worker processes.

A worker is launched without an intermediate shell so the tracked PID is the
worker itself. Its stdout and stderr are exposed as plain readers and its exit
is signalled through a channel:

	spawner := lifecycle.NewSpawner()
	h, err := spawner.Spawn(lifecycle.Command{
	    Path: "python3",
	    Args: []string{"CheatingDetection.py", "42", "0"},
	})
	if err != nil {
	    // launch failure
	}
	<-h.Done()
	code := h.ExitCode()

# Termination

RequestGracefulStop sends the platform's polite termination request and
returns immediately. ForceStop kills the process group or tree and then runs
a best-effort name match kill (command line on unix, window title on
windows). Secondary kill failures are joined into the returned error and are
meant to be reported, not acted on.

The Terminator used by a Spawner can be replaced, which is how tests observe
escalation without real signals.

# Marker Files

MarkerFile writes the worker PID next to its evidence for external
diagnostics. It is never consulted for correctness.

# Health Checking

HealthChecker polls the daemon health endpoint with exponential backoff so
CLI commands can wait for a daemon that is still starting:

	checker := lifecycle.NewHealthChecker("http://127.0.0.1:5001/health")
	if err := checker.WaitUntilHealthy(ctx, 30*time.Second); err != nil {
	    // daemon not reachable
	}
*/
package lifecycle
