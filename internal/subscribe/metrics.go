package subscribe

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the dispatch engine's Prometheus instruments: delivery
// outcomes, timeouts, and live worker count, the observability surface
// mentioned in the error-handling design's "on repeated worker crashes
// ... emits an alert."
type Metrics struct {
	delivered    *prometheus.CounterVec
	abandoned    *prometheus.CounterVec
	timeouts     *prometheus.CounterVec
	liveWorkers  prometheus.Gauge
	crashesTotal *prometheus.CounterVec
}

// NewMetrics registers the dispatch engine's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxmq",
			Subsystem: "dispatch",
			Name:      "messages_delivered_total",
			Help:      "Messages successfully delivered and acked by topic.",
		}, []string{"topic_id"}),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxmq",
			Subsystem: "dispatch",
			Name:      "messages_abandoned_total",
			Help:      "Messages dropped after retry exhaustion or a terminal reason code, by topic.",
		}, []string{"topic_id"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxmq",
			Subsystem: "dispatch",
			Name:      "ack_timeouts_total",
			Help:      "Ack waits that timed out, by step.",
		}, []string{"step"}),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxmq",
			Subsystem: "dispatch",
			Name:      "live_workers",
			Help:      "Number of running ExclusivePushWorker tasks.",
		}),
		crashesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxmq",
			Subsystem: "dispatch",
			Name:      "worker_crashes_total",
			Help:      "Worker exits observed by the supervisor, by subscription key.",
		}, []string{"client_id", "topic_id"}),
	}

	reg.MustRegister(m.delivered, m.abandoned, m.timeouts, m.liveWorkers, m.crashesTotal)
	return m
}

func (m *Metrics) ObserveDelivered(topicID string) {
	m.delivered.WithLabelValues(topicID).Inc()
}

func (m *Metrics) ObserveAbandoned(topicID string) {
	m.abandoned.WithLabelValues(topicID).Inc()
}

func (m *Metrics) ObserveTimeout(step string) {
	m.timeouts.WithLabelValues(step).Inc()
}

func (m *Metrics) SetLiveWorkers(n int) {
	m.liveWorkers.Set(float64(n))
}

func (m *Metrics) ObserveWorkerCrash(clientID, topicID string) {
	m.crashesTotal.WithLabelValues(clientID, topicID).Inc()
}
