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

import "testing"

func TestMatchArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		required []string
		want     bool
	}{
		{
			name:     "script and exam present",
			args:     []string{"python3", "/opt/ai/CheatingDetection.py", "42", "0"},
			required: []string{"/opt/ai/CheatingDetection.py", "42"},
			want:     true,
		},
		{
			name:     "different exam",
			args:     []string{"python3", "/opt/ai/CheatingDetection.py", "421"},
			required: []string{"/opt/ai/CheatingDetection.py", "42"},
			want:     false,
		},
		{
			name:     "substring of token does not match",
			args:     []string{"vim", "/opt/ai/CheatingDetection.py.bak", "42"},
			required: []string{"/opt/ai/CheatingDetection.py", "42"},
			want:     false,
		},
		{
			name:     "exam id only as a later argument",
			args:     []string{"python3", "/opt/ai/CheatingDetection.py", "5", "1"},
			required: []string{"/opt/ai/CheatingDetection.py", "1"},
			want:     false,
		},
		{
			name:     "order matters",
			args:     []string{"python3", "42", "/opt/ai/CheatingDetection.py"},
			required: []string{"/opt/ai/CheatingDetection.py", "42"},
			want:     false,
		},
		{
			name:     "required longer than args",
			args:     []string{"/opt/ai/CheatingDetection.py"},
			required: []string{"/opt/ai/CheatingDetection.py", "42"},
			want:     false,
		},
		{
			name:     "empty args",
			args:     nil,
			required: []string{"x"},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchArgs(tt.args, tt.required); got != tt.want {
				t.Errorf("matchArgs(%v, %v) = %v, want %v", tt.args, tt.required, got, tt.want)
			}
		})
	}
}
