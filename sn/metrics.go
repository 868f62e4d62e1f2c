package sn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts rendezvous traffic. A nil registerer leaves the
// collectors unregistered.
type Metrics struct {
	Received *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
	Handled  *prometheus.CounterVec
	Calls    *prometheus.CounterVec
	Peers    prometheus.Gauge
}

// NewMetrics creates the rendezvous collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "sn",
			Name:      "boxes_received_total",
			Help:      "Authenticated boxes received by the rendezvous listener.",
		}, []string{"protocol"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "sn",
			Name:      "boxes_dropped_total",
			Help:      "Boxes dropped before reaching the service.",
		}, []string{"reason"}),
		Handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "sn",
			Name:      "packages_handled_total",
			Help:      "Command packages handed to the service.",
		}, []string{"cmd"}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "sn",
			Name:      "calls_total",
			Help:      "Calls answered by the peer service.",
		}, []string{"result"}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bdt",
			Subsystem: "sn",
			Name:      "peers",
			Help:      "Peers currently registered with the peer service.",
		}),
	}
}
