/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes bridge counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/carverauto/wslld/pkg/models"
	"github.com/carverauto/wslld/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wslld"

// Metrics holds the bridge registry. All methods are safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	framesReceived  prometheus.Counter
	eventsApplied   *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	connectionState prometheus.Gauge
	disconnects     *prometheus.CounterVec
	handoffWrites   *prometheus.CounterVec
	lldRequests     *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	scenarios       *prometheus.CounterVec
}

// New creates a registry with the bridge metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "frames_received_total",
			Help:      "Total WebSocket text frames received from the upstream feed.",
		}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_applied_total",
			Help:      "Total update events applied to the discovery store.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "decode_errors_total",
			Help:      "Total malformed messages skipped.",
		}, []string{"reason"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "connection_state",
			Help:      "Upstream connection state (0 disconnected, 1 connecting, 2 connected).",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "disconnects_total",
			Help:      "Total transitions to disconnected, by cause.",
		}, []string{"cause"}),
		handoffWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "writes_total",
			Help:      "Total snapshot hand-off writes.",
		}, []string{"status"}),
		lldRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lld",
			Name:      "requests_total",
			Help:      "Total discovery documents served, by freshness.",
		}, []string{"state"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total entity change events published to NATS.",
		}, []string{"status"}),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "zabbix",
			Name:      "web_scenarios_total",
			Help:      "Web scenario provisioning outcomes.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.eventsApplied,
		m.decodeErrors,
		m.connectionState,
		m.disconnects,
		m.handoffWrites,
		m.lldRequests,
		m.eventsPublished,
		m.scenarios,
	)

	return m
}

// RegisterStore adds gauges sampled from the store on every scrape.
func (m *Metrics) RegisterStore(s *store.Store) {
	if m == nil || s == nil {
		return
	}

	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entities_active",
			Help:      "Number of active discovered entities.",
		}, func() float64 { return float64(s.Stats().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "tombstones",
			Help:      "Number of removed entities still inside their tombstone window.",
		}, func() float64 { return float64(s.Stats().Tombstones) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "last_update_timestamp_seconds",
			Help:      "Unix time of the last applied event.",
		}, func() float64 {
			lu := s.Stats().LastUpdate
			if lu.IsZero() {
				return 0
			}

			return float64(lu.UnixNano()) / 1e9
		}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFrame() {
	if m == nil {
		return
	}

	m.framesReceived.Inc()
}

func (m *Metrics) ObserveEvent(kind models.EventKind) {
	if m == nil {
		return
	}

	m.eventsApplied.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveDecodeError(reason string) {
	if m == nil {
		return
	}

	m.decodeErrors.WithLabelValues(reason).Inc()
}

// ObserveState records a connection transition. A non-empty cause counts
// a disconnect under that label.
func (m *Metrics) ObserveState(curr models.ConnectionState, cause string) {
	if m == nil {
		return
	}

	m.connectionState.Set(float64(curr))

	if curr == models.Disconnected && cause != "" {
		m.disconnects.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) ObserveHandoff(err error) {
	if m == nil {
		return
	}

	m.handoffWrites.WithLabelValues(statusLabel(err)).Inc()
}

func (m *Metrics) ObserveServe(state models.Freshness, err error) {
	if m == nil {
		return
	}

	label := string(state)
	if err != nil {
		label = "no_data"
	}

	m.lldRequests.WithLabelValues(label).Inc()
}

func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}

	m.eventsPublished.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveScenario records one provisioning outcome: created, skipped or failed.
func (m *Metrics) ObserveScenario(result string) {
	if m == nil {
		return
	}

	m.scenarios.WithLabelValues(result).Inc()
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}

	return "error"
}
