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

// Package detection supervises one detection worker process per exam.
//
// # Sessions
//
// A Session is created when a worker is started for an exam and ends when
// the worker exits or is abandoned after a failed forced stop. The Registry
// holds at most one session per exam; registration is an atomic
// insert-if-absent and removal is conditional on the session pointer, so a
// late exit of an old session never evicts a newer one.
//
// # Teardown
//
// Stop requests a graceful stop, waits up to the stop timeout, then forces
// the worker down and waits up to the kill wait. Teardown runs once per
// session no matter how many callers ask for it; every caller waits for the
// same terminal signal. Evidence is only deleted once the worker is known to
// have exited.
//
// # Events
//
// The Manager publishes started, output, error, stopped and snapshot events
// to an EventSink. Hub is the in-process fan-out used by the HTTP event
// stream.
package detection
