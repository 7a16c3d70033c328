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

package detection

import (
	"strings"

	"golang.org/x/text/cases"
)

// DefaultFatalPatterns are worker output phrases that mean the camera is unusable.
var DefaultFatalPatterns = []string{
	"could not open camera",
	"camera index out of range",
}

// FatalScanner finds fatal phrases in worker output, ignoring case.
type FatalScanner struct {
	patterns []string // case-folded
	original []string
}

// NewFatalScanner creates a scanner. Empty patterns are ignored.
func NewFatalScanner(patterns []string) *FatalScanner {
	f := &FatalScanner{}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		f.patterns = append(f.patterns, fold(p))
		f.original = append(f.original, p)
	}
	return f
}

// Match returns the first pattern found in line.
func (f *FatalScanner) Match(line string) (string, bool) {
	if len(f.patterns) == 0 {
		return "", false
	}
	folded := fold(line)
	for i, p := range f.patterns {
		if strings.Contains(folded, p) {
			return f.original[i], true
		}
	}
	return "", false
}

// fold uses a fresh Caser per call; Casers are not safe for concurrent use
// and stdout and stderr are scanned in parallel.
func fold(s string) string {
	return cases.Fold().String(s)
}
