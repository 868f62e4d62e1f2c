package pn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay activity. A nil registerer leaves the collectors
// unregistered.
type Metrics struct {
	SynProxy     *prometheus.CounterVec
	Pairs        prometheus.Gauge
	RelayedBytes prometheus.Counter
	Dropped      prometheus.Counter
}

// NewMetrics creates the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SynProxy: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "pn",
			Name:      "syn_proxy_total",
			Help:      "SynProxy requests by outcome.",
		}, []string{"result"}),
		Pairs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bdt",
			Subsystem: "pn",
			Name:      "pairs",
			Help:      "Relay pairs currently allocated.",
		}),
		RelayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "pn",
			Name:      "relayed_bytes_total",
			Help:      "Bytes forwarded between paired peers.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bdt",
			Subsystem: "pn",
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams dropped because the pair was incomplete or full.",
		}),
	}
}
