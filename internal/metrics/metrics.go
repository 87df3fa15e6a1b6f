// Package metrics exposes proxy counters and gauges in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tliron/commonlog"

	"github.com/dshills/goalproxy/internal/broadcast"
	"github.com/dshills/goalproxy/internal/router"
	"github.com/dshills/goalproxy/internal/session"
)

var log = commonlog.GetLogger("goalproxy.metrics")

var (
	_ router.Metrics     = (*Metrics)(nil)
	_ broadcast.Observer = (*Metrics)(nil)
)

// Metrics records router and broadcaster activity on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	forwarded   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	extractions *prometheus.CounterVec
	transitions *prometheus.CounterVec
	sessions    *prometheus.GaugeVec
	pending     *prometheus.GaugeVec
	subscribers prometheus.Gauge
	evictions   prometheus.Counter
	coalesced   prometheus.Counter
}

// New creates and registers the proxy metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goalproxy",
			Name:      "messages_forwarded_total",
			Help:      "Messages relayed between editor and backend.",
		}, []string{"from", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goalproxy",
			Name:      "messages_dropped_total",
			Help:      "Frames or messages discarded.",
		}, []string{"from", "reason"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goalproxy",
			Name:      "extractions_total",
			Help:      "Finished proof-state extractions by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goalproxy",
			Name:      "session_transitions_total",
			Help:      "RPC session state changes by target state.",
		}, []string{"to"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goalproxy",
			Name:      "sessions",
			Help:      "RPC sessions by state, excluding disconnected ones.",
		}, []string{"state"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goalproxy",
			Name:      "pending_calls",
			Help:      "Outstanding requests by direction.",
		}, []string{"direction"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goalproxy",
			Name:      "subscribers",
			Help:      "Connected display clients.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goalproxy",
			Name:      "subscriber_evictions_total",
			Help:      "Display clients disconnected for falling behind.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goalproxy",
			Name:      "snapshots_coalesced_total",
			Help:      "Queued updates replaced by newer ones.",
		}),
	}
	m.registry.MustRegister(
		m.forwarded, m.dropped, m.extractions, m.transitions,
		m.sessions, m.pending, m.subscribers, m.evictions, m.coalesced,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Forwarded counts a message relayed from one side, by kind.
func (m *Metrics) Forwarded(from, kind string) {
	m.forwarded.WithLabelValues(from, kind).Inc()
}

// Dropped counts a message discarded instead of relayed.
func (m *Metrics) Dropped(from, reason string) {
	m.dropped.WithLabelValues(from, reason).Inc()
}

// Extraction counts a finished proof-state extraction by outcome.
func (m *Metrics) Extraction(outcome string) {
	m.extractions.WithLabelValues(outcome).Inc()
}

// SessionTransition moves one session between the per-state gauges.
func (m *Metrics) SessionTransition(from, to session.State) {
	m.transitions.WithLabelValues(to.String()).Inc()
	if from != session.StateDisconnected {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != session.StateDisconnected {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}

// Pending records the number of requests awaiting a response on each side.
func (m *Metrics) Pending(down, up int) {
	m.pending.WithLabelValues("backend").Set(float64(down))
	m.pending.WithLabelValues("editor").Set(float64(up))
}

// Subscribed counts a display client that connected.
func (m *Metrics) Subscribed(string) {
	m.subscribers.Inc()
}

// Unsubscribed counts a display client that left or was evicted.
func (m *Metrics) Unsubscribed(_ string, evicted bool) {
	m.subscribers.Dec()
	if evicted {
		m.evictions.Inc()
	}
}

// Coalesced counts a queued update replaced by a newer one.
func (m *Metrics) Coalesced(string) {
	m.coalesced.Inc()
}

// Serve listens on addr and serves /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Infof("metrics on http://%s/metrics", ln.Addr())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
