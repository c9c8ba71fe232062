// Copyright 2026 The Proxycap Authors
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

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	ActiveConnections  prometheus.Gauge
	WebSocketsTotal    prometheus.Counter
	WebSocketMessages  *prometheus.CounterVec
	UnmatchedResponses prometheus.Counter
	UpstreamErrors     prometheus.Counter
}

// NewMetrics builds and registers the instrument set. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "requests_total",
			Help:      "Proxied HTTP requests by scheme.",
		}, []string{"scheme"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proxycap",
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxied request duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxycap",
			Name:      "active_connections",
			Help:      "Connections currently being proxied.",
		}),
		WebSocketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "websocket_connections_total",
			Help:      "WebSocket upgrades tunneled.",
		}),
		WebSocketMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "websocket_messages_total",
			Help:      "WebSocket frames relayed by direction.",
		}, []string{"direction"}),
		UnmatchedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "unmatched_responses_total",
			Help:      "Responses dropped because no request row could be paired.",
		}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "upstream_errors_total",
			Help:      "Failed upstream exchanges.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ActiveConnections,
			m.WebSocketsTotal, m.WebSocketMessages, m.UnmatchedResponses, m.UpstreamErrors)
	}
	return m
}
