package proc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the orchestrator. A nil *Metrics is a no-op.
type Metrics struct {
	messages       *prometheus.CounterVec
	failures       *prometheus.CounterVec
	introsQueued   prometheus.Counter
	joins          prometheus.Counter
	leaves         prometheus.Counter
	activeSessions prometheus.Gauge
	inboxBacklog   prometheus.Gauge
	acquire        prometheus.Histogram
}

// NewMetrics registers the orchestrator metrics against the provided registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "introbot_inbox_messages_total",
			Help: "Inbox messages processed by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "introbot_failures_total",
			Help: "Handler failures by error kind.",
		}, []string{"kind"}),
		introsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "introbot_intros_queued_total",
			Help: "Intros handed to a voice connection.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "introbot_voice_joins_total",
			Help: "Successful voice channel joins.",
		}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "introbot_voice_leaves_total",
			Help: "Voice channel leave attempts.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "introbot_active_sessions",
			Help: "Channels with an active playback session.",
		}),
		inboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "introbot_inbox_backlog",
			Help: "Messages posted to the inbox and not yet handled.",
		}),
		acquire: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "introbot_source_acquire_seconds",
			Help:    "Time spent decoding intro clips.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	registerer.MustRegister(m.messages, m.failures, m.introsQueued, m.joins, m.leaves, m.activeSessions, m.inboxBacklog, m.acquire)
	return m
}

func (m *Metrics) message(msg Message) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(messageKind(msg)).Inc()
}

func (m *Metrics) failure(err error) {
	if m == nil || err == nil {
		return
	}
	m.failures.WithLabelValues(failureKind(err)).Inc()
}

func (m *Metrics) queued() {
	if m == nil {
		return
	}
	m.introsQueued.Inc()
}

func (m *Metrics) joined() {
	if m == nil {
		return
	}
	m.joins.Inc()
}

func (m *Metrics) left() {
	if m == nil {
		return
	}
	m.leaves.Inc()
}

func (m *Metrics) sessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) backlog(n int64) {
	if m == nil {
		return
	}
	m.inboxBacklog.Set(float64(n))
}

func (m *Metrics) acquired(seconds float64) {
	if m == nil {
		return
	}
	m.acquire.Observe(seconds)
}

func messageKind(msg Message) string {
	switch msg.(type) {
	case Ready:
		return "ready"
	case MemberJoined:
		return "member_joined"
	case TrackEnded:
		return "track_ended"
	case BotDisconnected:
		return "bot_disconnected"
	default:
		return "unknown"
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrLookupFailed):
		return "lookup_failed"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrJoinFailed):
		return "join_failed"
	case errors.Is(err, ErrLeaveFailed):
		return "leave_failed"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	default:
		return "other"
	}
}
