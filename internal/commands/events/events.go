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


package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/invigileye/invigil/internal/commands/shared"
	"github.com/invigileye/invigil/internal/detection"
)

// NewCommand creates the events command.
func NewCommand() *cobra.Command {
	var examID string

	cmd := &cobra.Command{
		Use: "events",
		Annotations: map[string]string{
			"group": "sessions",
		},
		Short: "Follow detection session events",
		Long: `Stream session lifecycle events, worker output, and new evidence
from the daemon until interrupted.

With --json each event is printed as one JSON object per line.`,
		Example: `  # Everything
  invigil events

  # One exam, as JSON lines
  invigil events --exam EXAM-2025-001 --json | jq .type`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]string{}
			if examID != "" {
				params["examId"] = examID
			}
			body, err := shared.OpenStream(cmd.Context(), "/api/monitoring/events", params)
			if err != nil {
				return err
			}
			defer body.Close()

			err = follow(body, func(ev detection.Event) error {
				return printEvent(cmd.OutOrStdout(), ev)
			})
			if errors.Is(err, context.Canceled) || cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&examID, "exam", "", "Only show events for this exam")

	return cmd
}

// follow reads a server-sent event stream and calls fn for each event.
// Comment lines are keep-alives and are skipped.
func follow(r io.Reader, fn func(detection.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev detection.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("malformed event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func printEvent(w io.Writer, ev detection.Event) error {
	if shared.GetJSON() {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	ts := shared.Muted.Render(ev.Time.Local().Format("15:04:05"))
	var detail string
	switch {
	case ev.Error != "":
		detail = shared.StatusError.Render(ev.Error)
	case ev.Data != "":
		detail = ev.Data
	case ev.Filename != "":
		detail = ev.Filename
	case ev.Code != nil:
		detail = fmt.Sprintf("exit %d", *ev.Code)
	case ev.PID != 0:
		detail = fmt.Sprintf("pid %d", ev.PID)
	}
	_, err := fmt.Fprintf(w, "%s %-10s %-16s %s\n", ts, ev.ExamID, ev.Type, detail)
	return err
}
