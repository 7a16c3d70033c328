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

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// passes tracks reconcile passes by outcome (ok, partial, error)
	passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invigil_reconcile_passes_total",
			Help: "Total exam expiry reconcile passes by result",
		},
		[]string{"result"},
	)

	// examsExpired tracks exams marked completed by the reconciler
	examsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invigil_exams_expired_total",
			Help: "Total exams marked completed after their end time",
		},
	)
)

func recordPass(result string) {
	passes.WithLabelValues(result).Inc()
}
