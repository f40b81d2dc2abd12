package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of a single node. All metrics carry
// a constant "node" label so that several nodes can share a registry.
type Metrics struct {
	// Transport
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Leader-based replication
	ElectionsStarted prometheus.Counter
	ElectionsWon     prometheus.Counter
	Term             prometheus.Gauge
	CommitIndex      prometheus.Gauge
	LastApplied      prometheus.Gauge

	// Byzantine agreement
	Round            prometheus.Gauge
	RoundsDecided    prometheus.Counter
	RoundsAbandoned  prometheus.Counter
	Equivocations    prometheus.Counter
	InvalidSignature prometheus.Counter
}

// NewMetrics creates the metrics of a node and registers them with reg. A
// nil registerer yields working but unregistered metrics.
func NewMetrics(namespace string, nodeId NodeId, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node": string(nodeId)}

	return &Metrics{
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_sent_total",
			Help:        "Total number of protocol messages sent by type",
			ConstLabels: labels,
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_received_total",
			Help:        "Total number of protocol messages received by type",
			ConstLabels: labels,
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_dropped_total",
			Help:        "Total number of protocol messages discarded by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		ElectionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "elections_started_total",
			Help:        "Total number of elections started",
			ConstLabels: labels,
		}),
		ElectionsWon: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "elections_won_total",
			Help:        "Total number of elections won",
			ConstLabels: labels,
		}),
		Term: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "term",
			Help:        "Current term",
			ConstLabels: labels,
		}),
		CommitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "commit_index",
			Help:        "Highest log index known to be committed",
			ConstLabels: labels,
		}),
		LastApplied: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_applied",
			Help:        "Highest log index applied to the state machine",
			ConstLabels: labels,
		}),

		Round: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "round",
			Help:        "Current agreement round",
			ConstLabels: labels,
		}),
		RoundsDecided: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rounds_decided_total",
			Help:        "Total number of rounds decided",
			ConstLabels: labels,
		}),
		RoundsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rounds_abandoned_total",
			Help:        "Total number of rounds abandoned after a timeout",
			ConstLabels: labels,
		}),
		Equivocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "equivocations_total",
			Help:        "Total number of conflicting messages received from the same sender",
			ConstLabels: labels,
		}),
		InvalidSignature: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "invalid_signatures_total",
			Help:        "Total number of messages discarded for an invalid signature",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) RecordSent(msg Msg) {
	if m == nil {
		return
	}

	m.MessagesSent.WithLabelValues(msg.GetType()).Inc()
}

func (m *Metrics) RecordReceived(msg Msg) {
	if m == nil {
		return
	}

	m.MessagesReceived.WithLabelValues(msg.GetType()).Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}

	m.MessagesDropped.WithLabelValues(reason).Inc()
}
