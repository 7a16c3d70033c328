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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsStarted tracks workers launched successfully
	sessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invigil_detection_sessions_started_total",
			Help: "Total detection workers started",
		},
	)

	// sessionsFailed tracks session failures by error kind
	sessionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invigil_detection_sessions_failed_total",
			Help: "Total detection session failures by kind",
		},
		[]string{"kind"},
	)

	// stops tracks how teardowns ended
	stops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invigil_detection_stops_total",
			Help: "Total detection stops by mode (graceful, forced, abandoned)",
		},
		[]string{"mode"},
	)

	// activeSessions tracks registered sessions
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invigil_detection_active_sessions",
			Help: "Number of currently registered detection sessions",
		},
	)

	// snapshotsCaptured tracks evidence images written by workers
	snapshotsCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invigil_snapshots_captured_total",
			Help: "Total evidence snapshots observed",
		},
	)
)

func recordFailure(kind string) {
	sessionsFailed.WithLabelValues(kind).Inc()
}

func recordStop(mode string) {
	stops.WithLabelValues(mode).Inc()
}
