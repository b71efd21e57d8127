// Package metrics holds the prometheus instruments of the handoff session manager.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "handoff"

type Metrics struct {
	MessagesRouted        *prometheus.CounterVec
	HandoffRequests       *prometheus.CounterVec
	ModeTransitions       *prometheus.CounterVec
	AssistantStreams      *prometheus.CounterVec
	AssistantFirstToken   prometheus.Histogram
	FramesDropped         *prometheus.CounterVec
	OperatorConnections   *prometheus.CounterVec
	ReconnectsScheduled   prometheus.Counter
	FeedbackSubmissions   *prometheus.CounterVec
	HandoffRequestSeconds prometheus.Histogram
}

// New registers the instruments on reg. A nil registerer falls back to the
// default prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Outbound user messages by destination",
		}, []string{"route"}),
		HandoffRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_requests_total",
			Help:      "Handoff requests by outcome",
		}, []string{"outcome"}),
		ModeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Session mode transitions by target mode",
		}, []string{"mode"}),
		AssistantStreams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_streams_total",
			Help:      "Assistant exchanges by outcome",
		}, []string{"outcome"}),
		AssistantFirstToken: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assistant_first_token_seconds",
			Help:      "Time from request to first content frame",
			Buckets:   prometheus.DefBuckets,
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Malformed or unknown frames dropped, by channel",
		}, []string{"channel"}),
		OperatorConnections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_connections_total",
			Help:      "Operator channel dial attempts by outcome",
		}, []string{"outcome"}),
		ReconnectsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_reconnects_scheduled_total",
			Help:      "Operator reconnect timers armed",
		}),
		FeedbackSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_submissions_total",
			Help:      "Feedback submissions by outcome",
		}, []string{"outcome"}),
		HandoffRequestSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_request_duration_seconds",
			Help:      "Latency of the handoff endpoint",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Routed(route string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(route).Inc()
}

func (m *Metrics) Handoff(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.HandoffRequests.WithLabelValues(outcome).Inc()
	m.HandoffRequestSeconds.Observe(took.Seconds())
}

func (m *Metrics) Mode(mode string) {
	if m == nil {
		return
	}
	m.ModeTransitions.WithLabelValues(mode).Inc()
}

func (m *Metrics) Stream(outcome string) {
	if m == nil {
		return
	}
	m.AssistantStreams.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.AssistantFirstToken.Observe(d.Seconds())
}

func (m *Metrics) FrameDropped(channel string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) OperatorDial(outcome string) {
	if m == nil {
		return
	}
	m.OperatorConnections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

func (m *Metrics) Feedback(outcome string) {
	if m == nil {
		return
	}
	m.FeedbackSubmissions.WithLabelValues(outcome).Inc()
}
