package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Merge sources, used as the "source" label.
const (
	SourcePush  = "push"
	SourcePoll  = "poll"
	SourceLocal = "local"
	SourceREST  = "rest"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	merged       *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	receipts     prometheus.Counter
	polls        *prometheus.CounterVec
	connected    prometheus.Gauge
	pendingSends prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_merged_total",
			Help:      "Messages fed through the reconciler, by source and outcome.",
		}, []string{"source", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_rejected_total",
			Help:      "Push events dropped because their payload was malformed.",
		}, []string{"type"}),
		receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "receipts_applied_total",
			Help:      "Read receipts added to messages.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "poll_fetches_total",
			Help:      "Fallback poll fetches, by result.",
		}, []string{"result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "transport_connected",
			Help:      "1 while the push channel is connected.",
		}),
		pendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "pending_sends",
			Help:      "Optimistic sends not yet acknowledged.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.merged, m.rejected, m.receipts, m.polls, m.connected, m.pendingSends)
	}
	return m
}

func (m *Metrics) merge(source string, outcome MergeOutcome) {
	if m == nil {
		return
	}
	m.merged.WithLabelValues(source, outcome.String()).Inc()
}

func (m *Metrics) reject(eventType string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(eventType).Inc()
}

func (m *Metrics) receiptsApplied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.receipts.Add(float64(n))
}

func (m *Metrics) pollFetched(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) connectivity(state ConnState) {
	if m == nil {
		return
	}
	if state == StateConnected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) pending(n int) {
	if m == nil {
		return
	}
	m.pendingSends.Set(float64(n))
}
