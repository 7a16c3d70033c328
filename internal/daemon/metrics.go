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

package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invigileye/invigil/internal/detection"
)

// newMetricsHandler serves the package metrics from the default registry
// together with event hub gauges registered for this daemon.
func newMetricsHandler(hub *detection.Hub) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "invigil_event_subscribers",
			Help: "Number of connected event stream subscribers.",
		}, func() float64 { return float64(hub.SubscriberCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "invigil_events_dropped_total",
			Help: "Session events dropped because a subscriber fell behind.",
		}, func() float64 { return float64(hub.Dropped()) }),
	)

	return promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, reg},
		promhttp.HandlerOpts{},
	)
}
