// Package monitor exposes Prometheus metrics for the relay, served at
// /metrics in the Prometheus text exposition format.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the relay's instrumentation. One instance is created in
// main and shared by all components.
type Metrics struct {
	OrdersPlaced   *prometheus.CounterVec // relay_orders_placed_total{type}
	RiskRejections *prometheus.CounterVec // relay_risk_rejections_total{reason}
	Executions     *prometheus.CounterVec // relay_executions_total{status}
	FailSafes      prometheus.Counter
	Broadcasts     prometheus.Counter
	BroadcastUsers prometheus.Histogram
	StreamEvents   *prometheus.CounterVec // relay_stream_events_total{type}
	StreamDrops    prometheus.Counter
	Reconnects     prometheus.Counter
	Notifications  *prometheus.CounterVec // relay_notifications_total{severity}
	APIRequests    *prometheus.CounterVec // relay_api_requests_total{route,status}
	ExecLatency    prometheus.Histogram
}

// New creates and registers the relay metrics on the given registry (the
// default registry when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_orders_placed_total",
			Help: "Exchange orders placed, by order type",
		}, []string{"type"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_risk_rejections_total",
			Help: "Pre-trade gate rejections, by reason",
		}, []string{"reason"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_executions_total",
			Help: "Per-user intent executions, by terminal status",
		}, []string{"status"}),
		FailSafes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_failsafe_total",
			Help: "Fail-safe rollbacks triggered by protective-order failures",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Signals accepted for fan-out",
		}),
		BroadcastUsers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_broadcast_users",
			Help:    "Users reached per broadcast",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_events_total",
			Help: "User-data stream events consumed, by type",
		}, []string{"type"}),
		StreamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_drops_total",
			Help: "Stream events dropped on buffer overflow",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_reconnects_total",
			Help: "User-data stream reconnects",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Notifications published, by severity",
		}, []string{"severity"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "HTTP requests, by route and status class",
		}, []string{"route", "status"}),
		ExecLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_execution_latency_seconds",
			Help:    "Per-user intent execution latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.OrdersPlaced, m.RiskRejections, m.Executions, m.FailSafes,
		m.Broadcasts, m.BroadcastUsers, m.StreamEvents, m.StreamDrops,
		m.Reconnects, m.Notifications, m.APIRequests, m.ExecLatency,
	)
	return m
}
