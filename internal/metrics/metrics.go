// Package metrics provides Prometheus metrics for the proxy. Every method
// is safe to call on a nil *Metrics, which is how metrics are disabled.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "socks_proxy"

// Handshake failure reasons.
const (
	ReasonVersion       = "unsupported_version"
	ReasonNoMethod      = "no_acceptable_method"
	ReasonCommand       = "unsupported_command"
	ReasonAddressType   = "unsupported_address_type"
	ReasonMalformed     = "malformed"
	ReasonClientClosed  = "client_closed"
	ReasonResolveFailed = "resolve_failed"
)

// DNS query results.
const (
	DNSSuccess   = "success"
	DNSNoRecords = "no_records"
	DNSTimeout   = "timeout"
	DNSError     = "error"
)

const (
	DirectionUp   = "client_to_remote"
	DirectionDown = "remote_to_client"
)

type Metrics struct {
	Registry *prometheus.Registry

	acceptedTotal     prometheus.Counter
	activeSessions    prometheus.Gauge
	handshakeFailures *prometheus.CounterVec
	connectFailures   *prometheus.CounterVec
	relayedSessions   prometheus.Counter
	bytesTotal        *prometheus.CounterVec
	dnsQueries        *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_connections_total",
			Help:      "Total client connections accepted.",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live client sessions in any state.",
		}),

		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Sessions that failed before a destination was connected, by reason.",
		}, []string{"reason"}),

		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed outbound connects, by SOCKS reply code.",
		}, []string{"reply"}),

		relayedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_sessions_total",
			Help:      "Sessions that reached the relaying state.",
		}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),

		dnsQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "Completed DNS lookups, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.acceptedTotal,
		m.activeSessions,
		m.handshakeFailures,
		m.connectFailures,
		m.relayedSessions,
		m.bytesTotal,
		m.dnsQueries,
	)

	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
	m.activeSessions.Inc()
}

// SessionClosed records the end of a session and the bytes it relayed.
func (m *Metrics) SessionClosed(up, down int64) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.bytesTotal.WithLabelValues(DirectionUp).Add(float64(up))
	m.bytesTotal.WithLabelValues(DirectionDown).Add(float64(down))
}

func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectFailed(reply byte) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(strconv.Itoa(int(reply))).Inc()
}

func (m *Metrics) Relaying() {
	if m == nil {
		return
	}
	m.relayedSessions.Inc()
}

func (m *Metrics) DNSQuery(result string) {
	if m == nil {
		return
	}
	m.dnsQueries.WithLabelValues(result).Inc()
}
