// Package metrics holds the Prometheus collectors of the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audio_fork"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	tasksEnqueued    prometheus.Counter
	taskOutcomes     *prometheus.CounterVec
	strategyAttempts *prometheus.CounterVec
	queueEvictions   prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	playbackWait     prometheus.Histogram
	framesForwarded  prometheus.Counter
	framesDropped    prometheus.Counter
	dtmfRelayed      prometheus.Counter
	eslReconnects    prometheus.Counter
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Fork sessions currently open",
		}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Fork sessions opened",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Fork sessions closed by reason",
		}, []string{"reason"}),
		tasksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "playback_tasks_enqueued_total",
			Help: "Playback tasks accepted into a session queue",
		}),
		taskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "playback_tasks_finished_total",
			Help: "Playback tasks by terminal status",
		}, []string{"status"}),
		strategyAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "playback_strategy_attempts_total",
			Help: "Playback strategy issuances by result",
		}, []string{"strategy", "result"}),
		queueEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "playback_queue_evictions_total",
			Help: "Pending tasks dropped because the queue was full",
		}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_decode_errors_total",
			Help: "Rejected control frames by kind",
		}, []string{"kind"}),
		playbackWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "playback_wait_seconds",
			Help:    "Estimated playback wait per task",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 12, 15},
		}),
		framesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_frames_forwarded_total",
			Help: "Call audio frames forwarded to the remote endpoint",
		}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_frames_dropped_total",
			Help: "Call audio frames dropped because the link was saturated",
		}),
		dtmfRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dtmf_relayed_total",
			Help: "DTMF digits relayed to the remote endpoint",
		}),
		eslReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "esl_reconnects_total",
			Help: "Event socket reconnection attempts",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) TaskEnqueued() {
	if m == nil {
		return
	}
	m.tasksEnqueued.Inc()
}

func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) StrategyAttempt(strategy string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.strategyAttempts.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) QueueEviction() {
	if m == nil {
		return
	}
	m.queueEvictions.Inc()
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) PlaybackWait(d time.Duration) {
	if m == nil {
		return
	}
	m.playbackWait.Observe(d.Seconds())
}

func (m *Metrics) FrameForwarded() {
	if m == nil {
		return
	}
	m.framesForwarded.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) DTMFRelayed() {
	if m == nil {
		return
	}
	m.dtmfRelayed.Inc()
}

func (m *Metrics) ESLReconnect() {
	if m == nil {
		return
	}
	m.eslReconnects.Inc()
}
