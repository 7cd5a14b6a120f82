package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diam_node",
			Subsystem: "peer",
			Name:      "messages_total",
			Help:      "Diameter messages sent and received.",
		},
		[]string{"direction", "command", "request"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diam_node",
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state transitions by transport and target state.",
		},
		[]string{"transport", "state"},
	)
	garbage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diam_node",
			Subsystem: "connection",
			Name:      "garbage_total",
			Help:      "Connections reset because of undecodable input.",
		},
		[]string{"transport"},
	)
	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "diam_node",
			Subsystem: "correlator",
			Name:      "pending_requests",
			Help:      "Outstanding requests awaiting an answer.",
		},
	)
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diam_node",
			Subsystem: "correlator",
			Name:      "requests_total",
			Help:      "Completed outbound requests by outcome.",
		},
		[]string{"outcome"},
	)
	latency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "diam_node",
			Subsystem: "correlator",
			Name:      "answer_latency_seconds",
			Help:      "Time from sending a request to receiving its answer.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	forwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diam_node",
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Messages forwarded by the relay.",
		},
		[]string{"kind"},
	)
)

// RegisterMetrics registers the collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messages, transitions, garbage, pending, outcomes, latency, forwarded)
	})
}

func RecordMessage(direction string, commandCode uint32, request bool) {
	RegisterMetrics()
	messages.WithLabelValues(direction, strconv.FormatUint(uint64(commandCode), 10), strconv.FormatBool(request)).Inc()
}

func RecordTransition(transport, state string) {
	RegisterMetrics()
	transitions.WithLabelValues(transport, state).Inc()
}

func RecordGarbage(transport string) {
	RegisterMetrics()
	garbage.WithLabelValues(transport).Inc()
}

func SetPending(n int) {
	RegisterMetrics()
	pending.Set(float64(n))
}

// RecordAnswer records a request completed by an answer.
func RecordAnswer(sent time.Time) {
	RegisterMetrics()
	outcomes.WithLabelValues("answered").Inc()
	latency.Observe(time.Since(sent).Seconds())
}

// RecordTimeout records a request completed without an answer.
func RecordTimeout() {
	RegisterMetrics()
	outcomes.WithLabelValues("timeout").Inc()
}

// RecordConnectionLost records a request failed because its connection
// closed before the answer arrived.
func RecordConnectionLost() {
	RegisterMetrics()
	outcomes.WithLabelValues("connection_lost").Inc()
}

func RecordForward(kind string) {
	RegisterMetrics()
	forwarded.WithLabelValues(kind).Inc()
}
