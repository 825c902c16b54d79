// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes flytrap's Prometheus instrumentation. One
// Metrics value is shared by the flow manager, relays, filter engines,
// and capture writers; the admin API serves it at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all flytrap Prometheus metrics.
type Metrics struct {
	FlowsOpened      *prometheus.CounterVec
	ActiveFlows      *prometheus.GaugeVec
	FlowsClosed      *prometheus.CounterVec
	BytesRelayed     *prometheus.CounterVec
	FilterVerdicts   *prometheus.CounterVec
	FilterReloads    *prometheus.CounterVec
	CapturePackets   *prometheus.CounterVec
	CaptureRotations *prometheus.CounterVec
	CaptureErrors    *prometheus.CounterVec
	HTTPMessages     *prometheus.CounterVec
	BackendUp        *prometheus.GaugeVec
	BackendRTT       *prometheus.GaugeVec
}

// New creates the flytrap metrics set. Register it with a registry
// before serving.
func New() *Metrics {
	return &Metrics{
		FlowsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_flows_opened_total",
			Help: "Total number of flows opened",
		}, []string{"service"}),
		ActiveFlows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flytrap_flows_active",
			Help: "Number of currently active flows",
		}, []string{"service"}),
		FlowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_flows_closed_total",
			Help: "Total number of flows closed, by outcome",
		}, []string{"service", "outcome"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_bytes_relayed_total",
			Help: "Total bytes relayed, by direction",
		}, []string{"service", "direction"}),
		FilterVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_filter_verdicts_total",
			Help: "Total filter verdicts, by kind",
		}, []string{"service", "verdict"}),
		FilterReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_filter_reloads_total",
			Help: "Total filter definition reloads, by result",
		}, []string{"result"}),
		CapturePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_capture_packets_total",
			Help: "Total packets written to capture files",
		}, []string{"service"}),
		CaptureRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_capture_rotations_total",
			Help: "Total capture file rotations",
		}, []string{"service"}),
		CaptureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_capture_errors_total",
			Help: "Total capture write failures",
		}, []string{"service"}),
		HTTPMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flytrap_http_messages_total",
			Help: "Total HTTP messages relayed, by kind",
		}, []string{"service", "kind"}),
		BackendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flytrap_backend_up",
			Help: "Whether the backend answered its last probe (1 or 0)",
		}, []string{"service"}),
		BackendRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flytrap_backend_rtt_seconds",
			Help: "Round-trip time of the last successful backend probe",
		}, []string{"service"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FlowsOpened.Describe(ch)
	m.ActiveFlows.Describe(ch)
	m.FlowsClosed.Describe(ch)
	m.BytesRelayed.Describe(ch)
	m.FilterVerdicts.Describe(ch)
	m.FilterReloads.Describe(ch)
	m.CapturePackets.Describe(ch)
	m.CaptureRotations.Describe(ch)
	m.CaptureErrors.Describe(ch)
	m.HTTPMessages.Describe(ch)
	m.BackendUp.Describe(ch)
	m.BackendRTT.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FlowsOpened.Collect(ch)
	m.ActiveFlows.Collect(ch)
	m.FlowsClosed.Collect(ch)
	m.BytesRelayed.Collect(ch)
	m.FilterVerdicts.Collect(ch)
	m.FilterReloads.Collect(ch)
	m.CapturePackets.Collect(ch)
	m.CaptureRotations.Collect(ch)
	m.CaptureErrors.Collect(ch)
	m.HTTPMessages.Collect(ch)
	m.BackendUp.Collect(ch)
	m.BackendRTT.Collect(ch)
}

// FlowOpened counts one opened flow.
func (m *Metrics) FlowOpened(service string) {
	m.FlowsOpened.WithLabelValues(service).Inc()
}

// FlowsActive moves the active-flow gauge by delta.
func (m *Metrics) FlowsActive(service string, delta int) {
	m.ActiveFlows.WithLabelValues(service).Add(float64(delta))
}

// FlowClosed counts one closed flow with its outcome.
func (m *Metrics) FlowClosed(service, outcome string) {
	m.FlowsClosed.WithLabelValues(service, outcome).Inc()
}

// AddBytes counts relayed payload bytes for a direction.
func (m *Metrics) AddBytes(service, direction string, n int) {
	if n > 0 {
		m.BytesRelayed.WithLabelValues(service, direction).Add(float64(n))
	}
}

// FilterVerdict counts one filter verdict.
func (m *Metrics) FilterVerdict(service, verdict string) {
	m.FilterVerdicts.WithLabelValues(service, verdict).Inc()
}

// FilterReload counts a reload attempt; result is "success" or
// "failure".
func (m *Metrics) FilterReload(result string) {
	m.FilterReloads.WithLabelValues(result).Inc()
}

// CapturePacket counts packets written to the current capture file.
func (m *Metrics) CapturePacket(service string, n int) {
	if n > 0 {
		m.CapturePackets.WithLabelValues(service).Add(float64(n))
	}
}

// CaptureRotated counts one capture file rotation.
func (m *Metrics) CaptureRotated(service string) {
	m.CaptureRotations.WithLabelValues(service).Inc()
}

// CaptureError counts one capture write failure.
func (m *Metrics) CaptureError(service string) {
	m.CaptureErrors.WithLabelValues(service).Inc()
}

// HTTPMessage counts one relayed HTTP message; kind is "request" or
// "response".
func (m *Metrics) HTTPMessage(service, kind string) {
	m.HTTPMessages.WithLabelValues(service, kind).Inc()
}

// BackendStatus records the outcome of a backend probe.
func (m *Metrics) BackendStatus(service string, up bool, rtt time.Duration) {
	v := 0.0
	if up {
		v = 1.0
		m.BackendRTT.WithLabelValues(service).Set(rtt.Seconds())
	}
	m.BackendUp.WithLabelValues(service).Set(v)
}
