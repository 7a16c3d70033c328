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
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a session event.
type EventType string

const (
	EventStarted  EventType = "started"
	EventOutput   EventType = "output"
	EventError    EventType = "error"
	EventStopped  EventType = "stopped"
	EventSnapshot EventType = "snapshot"
)

// Event is a notification about a session.
type Event struct {
	Type      EventType `json:"type"`
	ExamID    string    `json:"examId"`
	SessionID string    `json:"sessionId,omitempty"`
	Time      time.Time `json:"time"`
	PID       int       `json:"pid,omitempty"`
	Stream    string    `json:"stream,omitempty"` // output: stdout or stderr
	Data      string    `json:"data,omitempty"`   // output: one line
	Error     string    `json:"error,omitempty"`
	Code      *int      `json:"code,omitempty"` // stopped: exit code
	Filename  string    `json:"filename,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// EventSink receives session events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type discardSink struct{}

func (discardSink) Publish(Event) {}

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than slowing the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	dropped     atomic.Uint64
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish delivers e to every subscriber with room in its buffer.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// SubscriberCount returns the number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
