/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the prometheus instruments shared across the
// worker and the API façade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "delayshield"

const (
	APILabel    = "api"
	CapLabel    = "cap"
	ResultLabel = "result"
)

var (
	RecalcTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "recalc",
			Name:      "runs_total",
			Help:      "Recalculation runs by terminal result.",
		},
		[]string{ResultLabel},
	)
	BudgetConsumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "budget",
			Name:      "consume_total",
			Help:      "Approved budget consumptions by API.",
		},
		[]string{APILabel},
	)
	BudgetDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "budget",
			Name:      "denied_total",
			Help:      "Denied budget consumptions by API and cap.",
		},
		[]string{APILabel, CapLabel},
	)
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "request_seconds",
			Help:      "Latency of external provider calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	ScanQueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scan",
			Name:      "queued_total",
			Help:      "Trips queued for recalculation by the scanner.",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "API requests",
		},
		[]string{"path", "method", "code"},
	)
	HTTPRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_seconds",
			Help:    "API latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)
