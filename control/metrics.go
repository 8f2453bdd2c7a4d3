// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for the reactor, worker pool and client table.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reject reasons reported by ClientRejected.
const (
	RejectAcceptFailed = "accept_failed"
	RejectVetoed       = "vetoed"
	RejectExhausted    = "exhausted"
	RejectError        = "error"
)

// Handshake results reported by Handshake.
const (
	HandshakeEstablished = "established"
	HandshakeRetry       = "retry"
	HandshakeFailed      = "failed"
)

// Metrics holds the server collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	clients       prometheus.Gauge
	workers       prometheus.Gauge
	accepted      prometheus.Counter
	rejected      *prometheus.CounterVec
	deleted       prometheus.Counter
	handshakes    *prometheus.CounterVec
	receivedBytes prometheus.Counter
	workerErrors  prometheus.Counter
}

// NewMetrics registers the collectors on reg under namespace. A nil reg
// gets a private registry so several servers can live in one process.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "hioload_sock"
	}
	factory := promauto.With(reg)
	return &Metrics{
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Number of clients currently in the slot table",
		}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Number of worker threads in their event loop",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_added_total",
			Help:      "Clients placed into the slot table",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_rejected_total",
			Help:      "Accepted sockets that never became clients",
		}, []string{"reason"}),
		deleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_deleted_total",
			Help:      "Clients torn down",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_steps_total",
			Help:      "TLS handshake step outcomes",
		}, []string{"result"}),
		receivedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Application bytes delivered to the receive callback",
		}),
		workerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Workers that failed to start or left their loop on error",
		}),
	}
}

func (m *Metrics) ClientAdded() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.clients.Inc()
}

func (m *Metrics) ClientDeleted() {
	if m == nil {
		return
	}
	m.deleted.Inc()
	m.clients.Dec()
}

func (m *Metrics) ClientRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.receivedBytes.Add(float64(n))
}

func (m *Metrics) WorkerUp() {
	if m == nil {
		return
	}
	m.workers.Inc()
}

func (m *Metrics) WorkerDown() {
	if m == nil {
		return
	}
	m.workers.Dec()
}

func (m *Metrics) WorkerFailed() {
	if m == nil {
		return
	}
	m.workerErrors.Inc()
}
