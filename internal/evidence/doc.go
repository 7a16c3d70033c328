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

// Package evidence manages the per-exam snapshot directories written by
// detection workers.
//
// Each exam owns one directory, <root>/<examId>. A Janitor lists, counts and
// removes those directories. A Watcher reports snapshots as workers write
// them.
//
// Exam identifiers are used as path segments, so every entry point rejects
// identifiers that could escape the root.
package evidence
