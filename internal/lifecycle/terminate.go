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

package lifecycle

import "os"

// Target identifies the process a Terminator acts on.
type Target struct {
	PID         int
	Process     *os.Process
	MatchArgs   []string
	WindowTitle string
}

// Terminator is a platform termination strategy.
type Terminator interface {
	// RequestStop sends the polite termination request. It must not block
	// waiting for exit.
	RequestStop(t Target) error

	// ForceStop kills the target unconditionally. Implementations may run
	// additional best-effort kills and should join their failures into the
	// returned error.
	ForceStop(t Target) error
}

// DefaultTerminator returns the strategy for the running platform.
func DefaultTerminator() Terminator {
	return newPlatformTerminator()
}
