package vines

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// MessagesInbound is the total number of handled incoming messages,
	// labelled by verb.
	MessagesInbound *prometheus.CounterVec

	// MessagesOutbound is the total number of transmitted messages,
	// labelled by verb.
	MessagesOutbound *prometheus.CounterVec

	// SendFailures is the total number of outgoing sends that failed.
	SendFailures prometheus.Counter

	// PeersAlive is the number of peers currently considered alive,
	// including the local node.
	PeersAlive prometheus.Gauge

	// ElectionsOpen is the number of elections that have not yet closed.
	ElectionsOpen prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesInbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vines",
				Subsystem: "gossip",
				Name:      "messages_inbound_total",
				Help:      "Total number of handled incoming messages",
			},
			[]string{"verb"},
		),
		MessagesOutbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vines",
				Subsystem: "gossip",
				Name:      "messages_outbound_total",
				Help:      "Total number of transmitted messages",
			},
			[]string{"verb"},
		),
		SendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vines",
				Subsystem: "gossip",
				Name:      "send_failures_total",
				Help:      "Total number of failed outgoing sends",
			},
		),
		PeersAlive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vines",
				Subsystem: "gossip",
				Name:      "peers_alive",
				Help:      "Number of peers currently considered alive",
			},
		),
		ElectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vines",
				Subsystem: "gossip",
				Name:      "elections_open",
				Help:      "Number of elections that have not yet closed",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.MessagesInbound,
		m.MessagesOutbound,
		m.SendFailures,
		m.PeersAlive,
		m.ElectionsOpen,
	)
}
