// Copyright 2026 The podmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the relay and control protocol
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	podMessages     prometheus.Counter
	relayDelivered  prometheus.Counter
	relayFailed     prometheus.Counter
	mirrorFailed    prometheus.Counter
	controlRequests *prometheus.CounterVec
	controlRejected *prometheus.CounterVec
}

// NewMetrics creates and registers the broker metrics
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	metrics := &Metrics{
		podMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podmq",
			Subsystem: "relay",
			Name:      "pod_messages_received_total",
			Help:      "Total pod readings received",
		}),
		relayDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podmq",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total readings sent to subscribers",
		}),
		relayFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podmq",
			Subsystem: "relay",
			Name:      "delivery_failures_total",
			Help:      "Total readings which could not be sent to a subscriber",
		}),
		mirrorFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podmq",
			Subsystem: "relay",
			Name:      "mirror_failures_total",
			Help:      "Total readings the stream mirror did not accept",
		}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podmq",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Total control requests accepted, by operation",
		}, []string{"operation"}),
		controlRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podmq",
			Subsystem: "control",
			Name:      "rejected_total",
			Help:      "Total control requests rejected, by reason",
		}, []string{"reason"}),
	}
	for _, collector := range []prometheus.Collector{
		metrics.podMessages,
		metrics.relayDelivered,
		metrics.relayFailed,
		metrics.mirrorFailed,
		metrics.controlRequests,
		metrics.controlRejected,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) recordPodMessage() {
	if m != nil {
		m.podMessages.Inc()
	}
}

func (m *Metrics) recordRelay(report RelayReport) {
	if m != nil {
		m.relayDelivered.Add(float64(report.Delivered))
		m.relayFailed.Add(float64(report.Failed))
	}
}

func (m *Metrics) recordMirrorFailure() {
	if m != nil {
		m.mirrorFailed.Inc()
	}
}

func (m *Metrics) recordControlRequest(operation string) {
	if m != nil {
		m.controlRequests.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) recordControlRejected(reason string) {
	if m != nil {
		m.controlRejected.WithLabelValues(reason).Inc()
	}
}
