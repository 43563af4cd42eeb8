// Package metrics exposes prometheus counters for the session and rendezvous server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "holechat"

// Metrics holds the collectors registered in a private registry.
type Metrics struct {
	registry *prometheus.Registry

	datagrams   *prometheus.CounterVec
	punches     prometheus.Counter
	punchErrors prometheus.Counter
	transitions *prometheus.CounterVec
	discoveries *prometheus.CounterVec
	rooms       prometheus.Gauge
	peers       prometheus.Gauge
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "UDP datagrams by direction and kind.",
		}, []string{"direction", "kind"}),
		punches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_packets_total",
			Help:      "PUNCH packets sent.",
		}),
		punchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_send_errors_total",
			Help:      "PUNCH packets the OS rejected.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state changes by target state.",
		}, []string{"state"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discoveries_total",
			Help:      "Public endpoint discoveries by method and result.",
		}, []string{"method", "result"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "rooms",
			Help:      "Open rendezvous rooms.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "peers",
			Help:      "Peers connected to the rendezvous server.",
		}),
	}

	m.registry.MustRegister(
		m.datagrams,
		m.punches,
		m.punchErrors,
		m.transitions,
		m.discoveries,
		m.rooms,
		m.peers,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DatagramSent(kind string) {
	if m != nil {
		m.datagrams.WithLabelValues("out", kind).Inc()
	}
}

func (m *Metrics) DatagramReceived(kind string) {
	if m != nil {
		m.datagrams.WithLabelValues("in", kind).Inc()
	}
}

func (m *Metrics) PunchSent(err error) {
	if m == nil {
		return
	}
	m.punches.Inc()
	if err != nil {
		m.punchErrors.Inc()
	}
}

func (m *Metrics) StateChanged(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Discovery(method string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.discoveries.WithLabelValues(method, result).Inc()
}

// SetRooms records the current room and peer counts of the rendezvous server.
func (m *Metrics) SetRooms(rooms, peers int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.peers.Set(float64(peers))
}
