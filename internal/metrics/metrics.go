// Package metrics exposes Prometheus instrumentation for the sync core.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matheus3301/bizsync/internal/syncerr"
)

// Recorder is implemented by the Prometheus recorder and by a no-op used when
// metrics are disabled.
type Recorder interface {
	SetState(identity, state string)
	IncReconnect(reason string)
	IncEvent(event string)
	IncMalformed(engine, event string)
	ObserveAck(event, outcome string, d time.Duration)
	IncSend(state string)
	Handler() http.Handler
}

// Connection states reported by SetState. Only the current one is 1.
var states = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "REAUTHENTICATING"}

// Prometheus records into its own registry so several daemons or tests can
// coexist in one process.
type Prometheus struct {
	reg        *prometheus.Registry
	state      *prometheus.GaugeVec
	reconnects *prometheus.CounterVec
	events     *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	ackLatency *prometheus.HistogramVec
	sends      *prometheus.CounterVec
}

// New returns a Prometheus recorder, or a no-op one when enabled is false.
func New(enabled bool) Recorder {
	if !enabled {
		return noop{}
	}
	return NewPrometheus()
}

// NewPrometheus builds a recorder with a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Prometheus{
		reg: reg,
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bizsync_connection_state",
			Help: "Current connection state per identity (1 for the active state)",
		}, []string{"identity", "state"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bizsync_reconnects_total",
			Help: "Reconnect cycles by reason",
		}, []string{"reason"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bizsync_events_total",
			Help: "Server push events received",
		}, []string{"event"}),
		malformed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bizsync_malformed_events_total",
			Help: "Events dropped by a reconciliation engine",
		}, []string{"engine", "event"}),
		ackLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bizsync_ack_duration_seconds",
			Help:    "Time from emit to ack resolution",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "outcome"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bizsync_messages_sent_total",
			Help: "Outgoing messages by final send state",
		}, []string{"state"}),
	}
}

func (p *Prometheus) SetState(identity, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(identity, s).Set(v)
	}
}

func (p *Prometheus) IncReconnect(reason string) { p.reconnects.WithLabelValues(reason).Inc() }

func (p *Prometheus) IncEvent(event string) { p.events.WithLabelValues(event).Inc() }

func (p *Prometheus) IncMalformed(engine, event string) {
	p.malformed.WithLabelValues(engine, event).Inc()
}

func (p *Prometheus) ObserveAck(event, outcome string, d time.Duration) {
	p.ackLatency.WithLabelValues(event, outcome).Observe(d.Seconds())
}

func (p *Prometheus) IncSend(state string) { p.sends.WithLabelValues(state).Inc() }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Gatherer exposes the registry for tests.
func (p *Prometheus) Gatherer() prometheus.Gatherer { return p.reg }

// noop is used when metrics are disabled.
type noop struct{}

func (noop) SetState(_, _ string)                    {}
func (noop) IncReconnect(_ string)                   {}
func (noop) IncEvent(_ string)                       {}
func (noop) IncMalformed(_, _ string)                {}
func (noop) ObserveAck(_, _ string, _ time.Duration) {}
func (noop) IncSend(_ string)                        {}
func (noop) Handler() http.Handler                   { return http.NotFoundHandler() }

// Outcome labels an ack result for ObserveAck.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, syncerr.ErrAckTimeout):
		return "timeout"
	case errors.Is(err, syncerr.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, syncerr.ErrCancelled):
		return "cancelled"
	}
	return "error"
}
