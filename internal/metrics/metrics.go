// Package metrics holds the Prometheus collectors of the bridge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mention_bridge"

// Outcome labels.
const (
	OutcomeForwarded   = "forwarded"
	OutcomeSelf        = "self"
	OutcomeFailed      = "failed"
	OutcomePublished   = "published"
	OutcomeUnroutable  = "unroutable"
	OutcomeParked      = "parked"
	OutcomeWaitingUser = "waiting_user"

	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Mentions            *prometheus.CounterVec
	Replies             *prometheus.CounterVec
	Polls               *prometheus.CounterVec
	ActivitiesReceived  prometheus.Counter
	ActiveConversations prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Mentions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "mentions_total",
			Help:      "Inbound mentions, by routing outcome.",
		}, []string{"outcome"}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "bot_replies_total",
			Help:      "Bot replies handled, by routing outcome.",
		}, []string{"outcome"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetches_total",
			Help:      "Activity fetches per conversation, by result.",
		}, []string{"result"}),
		ActivitiesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "bot_replies_received_total",
			Help:      "Bot replies raised to subscribers.",
		}),
		ActiveConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "conversations",
			Help:      "Conversations in the last polling snapshot.",
		}),
	}

	reg.MustRegister(m.Mentions, m.Replies, m.Polls, m.ActivitiesReceived, m.ActiveConversations)
	return m
}

func (m *Metrics) Mention(outcome string) {
	if m == nil {
		return
	}
	m.Mentions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reply(outcome string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
}

func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.ActivitiesReceived.Add(float64(n))
}

func (m *Metrics) Conversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}
