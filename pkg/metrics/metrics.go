// Package metrics lifts the Prometheus collectors the teacher defined
// inline in cmd/worker/main.go into a constructable registry, so more than
// one binary (cmd/worker, cmd/producer) can register them against its own
// *prometheus.Registry without colliding on the default global one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric distriq exposes.
type Collectors struct {
	// Processed tracks completed messages by outcome and queue.
	// Labels: outcome ("success", "retry", "failed", "restart"), queue.
	Processed *prometheus.CounterVec

	// Duration tracks handler latency in seconds, by queue.
	Duration *prometheus.HistogramVec

	// QueueDepth tracks broker.Client.QSize per queue (HLEN(NS:Q.msgs) plus
	// this worker's ack group), updated by a periodic collector goroutine
	// (see cmd/worker).
	QueueDepth *prometheus.GaugeVec

	// QueueLatency tracks time.Since(msg.CreatedAt) at dispatch, by queue.
	// CreatedAt is stamped when the message is fetched, so this is the time
	// a message waits in the consumer buffer, not its time in Redis.
	QueueLatency *prometheus.HistogramVec

	// Restarts counts worker restart-state transitions by trigger
	// ("max_tasks", "requested").
	Restarts *prometheus.CounterVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// workers in one process) or prometheus.DefaultRegisterer to expose on the
// process-wide /metrics handler like the teacher does.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "distriq_processed_total",
			Help: "The total number of processed messages by outcome and queue.",
		}, []string{"outcome", "queue"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "distriq_handler_duration_seconds",
			Help:    "Duration of message handler invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "distriq_queue_depth",
			Help: "Number of pending messages per queue.",
		}, []string{"queue"}),
		QueueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "distriq_queue_latency_seconds",
			Help:    "Time between fetch and handler dispatch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "distriq_restarts_total",
			Help: "Worker restart-state transitions by trigger.",
		}, []string{"trigger"}),
	}
	reg.MustRegister(c.Processed, c.Duration, c.QueueDepth, c.QueueLatency, c.Restarts)
	return c
}
