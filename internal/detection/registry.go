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
	"sort"
	"sync"
)

// Registry maps exam ids to their active session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// TryRegister inserts s unless its exam already has a session. The check and
// the insert are one atomic step.
func (r *Registry) TryRegister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ExamID]; ok {
		return false
	}
	r.sessions[s.ExamID] = s
	return true
}

// Get returns the session of an exam.
func (r *Registry) Get(examID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[examID]
	return s, ok
}

// Remove deletes the entry of an exam. Removing an absent exam is a no-op.
func (r *Registry) Remove(examID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, examID)
}

// RemoveIf deletes the entry of s.ExamID only while it still points at s.
func (r *Registry) RemoveIf(examID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[examID]; ok && cur == s {
		delete(r.sessions, examID)
		return true
	}
	return false
}

// ListActiveIDs returns the registered exam ids in sorted order.
func (r *Registry) ListActiveIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
