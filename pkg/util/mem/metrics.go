// Copyright 2025 Kestrel, Inc.
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

package mem

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Arbitration metrics. Registered into a caller-supplied registry so tests
// can run isolated instances.
var (
	ArbitrationRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "mem",
			Name:      "arbitration_requests_total",
			Help:      "Counter of memory arbitration requests.",
		}, []string{"result"})

	ArbitrationReclaimCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "mem",
			Name:      "arbitration_reclaims_total",
			Help:      "Counter of victim reclaims performed by the arbitrator.",
		})

	ArbitrationReclaimedBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "mem",
			Name:      "arbitration_reclaimed_bytes_total",
			Help:      "Total capacity reclaimed from victims in bytes.",
		})

	ArbitrationTimeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "mem",
			Name:      "arbitration_timeouts_total",
			Help:      "Counter of reclaim lock timeouts during arbitration.",
		})

	ArbitrationAbortCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "mem",
			Name:      "arbitration_aborts_total",
			Help:      "Counter of participants aborted by the arbitrator.",
		})

	ArbitrationDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "mem",
			Name:      "arbitration_duration_seconds",
			Help:      "Bucketed histogram of the arbitration critical section duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})
)

// RegisterMetrics registers the arbitration collectors.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(ArbitrationRequestCounter)
	r.MustRegister(ArbitrationReclaimCounter)
	r.MustRegister(ArbitrationReclaimedBytesCounter)
	r.MustRegister(ArbitrationTimeoutCounter)
	r.MustRegister(ArbitrationAbortCounter)
	r.MustRegister(ArbitrationDurationHistogram)
}
