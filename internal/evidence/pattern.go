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

package evidence

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher selects snapshot files by glob. Matching is case-insensitive and
// applies to the base name only.
type Matcher struct {
	include []string
	exclude []string
}

// NewMatcher validates and lower-cases the patterns.
func NewMatcher(include, exclude []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
		m.include = append(m.include, strings.ToLower(p))
	}
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		m.exclude = append(m.exclude, strings.ToLower(p))
	}
	return m, nil
}

// DefaultMatcher matches jpg and png images and skips the hidden temp files
// workers write before renaming.
func DefaultMatcher() *Matcher {
	m, _ := NewMatcher([]string{"*.{jpg,png}"}, []string{".*", "*.tmp"})
	return m
}

// Match reports whether name is a snapshot.
func (m *Matcher) Match(name string) bool {
	base := strings.ToLower(filepath.Base(name))

	included := len(m.include) == 0
	for _, p := range m.include {
		if ok, _ := doublestar.Match(p, base); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, p := range m.exclude {
		if ok, _ := doublestar.Match(p, base); ok {
			return false
		}
	}
	return true
}
