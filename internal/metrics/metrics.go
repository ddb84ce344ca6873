// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	ConnectionsOpened *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	ConnectedAgents   prometheus.Gauge

	FramesIn  *prometheus.CounterVec
	FramesOut *prometheus.CounterVec
	Errors    *prometheus.CounterVec

	MessagesRouted  *prometheus.CounterVec
	Redactions      prometheus.Counter
	ChannelCount    prometheus.Gauge
	ReplayDelivered prometheus.Counter

	Proposals       *prometheus.CounterVec
	Disputes        *prometheus.CounterVec
	CallbacksFired  prometheus.Counter
	CallbacksQueued prometheus.Gauge
	Violations      *prometheus.CounterVec

	DispatchDuration *prometheus.HistogramVec
}

var (
	once   sync.Once
	shared *Metrics
)

// New returns the process-wide Metrics, registering all collectors on the
// default registry on first call. Collectors can only register once, so
// every server instance shares the same set.
func New() *Metrics {
	once.Do(func() { shared = build() })
	return shared
}

func build() *Metrics {
	return &Metrics{
		ConnectionsOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_opened_total",
				Help: "Connections accepted by the listener",
			},
			[]string{"tls"},
		),
		ConnectionsClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_closed_total",
				Help: "Connections torn down, by cause",
			},
			[]string{"cause"}, // client, heartbeat, displaced, kicked, flood
		),
		ConnectedAgents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_connected_agents",
				Help: "Currently identified agents",
			},
		),
		FramesIn: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_in_total",
				Help: "Inbound frames by message type",
			},
			[]string{"type"},
		),
		FramesOut: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_out_total",
				Help: "Outbound frames by message type",
			},
			[]string{"type"},
		),
		Errors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Protocol errors reported to clients, by code",
			},
			[]string{"code"},
		),
		MessagesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_routed_total",
				Help: "MSG frames routed, by destination kind",
			},
			[]string{"kind"}, // channel, direct, callback
		),
		Redactions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_redactions_total",
				Help: "Messages whose content was altered by the redactor",
			},
		),
		ChannelCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_channels",
				Help: "Channels currently in existence",
			},
		),
		ReplayDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_replay_messages_total",
				Help: "Buffered messages replayed to joining agents",
			},
		),
		Proposals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_proposals_total",
				Help: "Proposal transitions, by resulting status",
			},
			[]string{"status"},
		),
		Disputes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_disputes_total",
				Help: "Dispute outcomes, by terminal phase or verdict",
			},
			[]string{"outcome"}, // disputant, respondent, mutual, fallback
		),
		CallbacksFired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_callbacks_fired_total",
				Help: "Scheduled callbacks delivered",
			},
		),
		CallbacksQueued: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_callbacks_queued",
				Help: "Callbacks currently pending",
			},
		),
		Violations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_violations_total",
				Help: "Escalation violations recorded, by resulting action",
			},
			[]string{"action"}, // none, warn, throttle, timeout, kick
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "Time spent handling one inbound frame",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"type"},
		),
	}
}
