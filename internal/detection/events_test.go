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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub()
	ch1, unsub1 := h.Subscribe(10)
	ch2, unsub2 := h.Subscribe(10)
	defer unsub2()

	assert.Equal(t, 2, h.SubscriberCount())

	h.Publish(Event{Type: EventStarted, ExamID: "42"})
	assert.Equal(t, EventStarted, (<-ch1).Type)
	assert.Equal(t, EventStarted, (<-ch2).Type)

	unsub1()
	unsub1()
	_, ok := <-ch1
	assert.False(t, ok)
	assert.Equal(t, 1, h.SubscriberCount())

	h.Publish(Event{Type: EventStopped, ExamID: "42"})
	assert.Equal(t, EventStopped, (<-ch2).Type)
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(1)
	defer unsub()

	h.Publish(Event{Type: EventOutput, Data: "one"})
	h.Publish(Event{Type: EventOutput, Data: "two"})

	e := <-ch
	assert.Equal(t, "one", e.Data)
	require.Equal(t, uint64(1), h.Dropped())
}

func TestFatalScanner(t *testing.T) {
	s := NewFatalScanner(DefaultFatalPatterns)

	tests := []struct {
		line    string
		want    string
		matched bool
	}{
		{"ERROR: Could not open camera index 0", "could not open camera", true},
		{"COULD NOT OPEN CAMERA", "could not open camera", true},
		{"camera INDEX out of range: 3", "camera index out of range", true},
		{"Camera opened successfully", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := s.Match(tt.line)
		assert.Equal(t, tt.matched, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}

	empty := NewFatalScanner([]string{"", "  "})
	_, ok := empty.Match("could not open camera")
	assert.False(t, ok)
}
