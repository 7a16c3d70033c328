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

import "bytes"

// maxOutputLine caps one output record. Longer runs without a line break are
// cut into records of this size rather than stalling the reader.
const maxOutputLine = 64 * 1024

// splitOutputLines is a bufio.SplitFunc for worker output. It ends a record at
// \n, \r or \r\n, so carriage-return progress bars yield one record per
// update. Records longer than maxOutputLine are cut.
func splitOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 && i < maxOutputLine {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		// A \r is a break on its own. If its \n arrives in a later read, that
		// read yields an empty record, which callers skip.
		return i + 1, data[:i], nil
	}

	if len(data) >= maxOutputLine {
		return maxOutputLine, data[:maxOutputLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
