package subscribe

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxmq/broker/internal/config"
	"github.com/fluxmq/broker/internal/logger"
)

// Engine bundles the dispatch core's collaborators into the single
// object cmd/fluxmqd and the packet handler hold a reference to: the
// subscription table packet handling mutates directly, and the
// supervisor driving everything else.
type Engine struct {
	Table       *SubscriptionTable
	Acks        *AckRegistry
	Queues      *ResponseQueues
	Qos         *QosProtocol
	Supervisor  *Supervisor
	Metrics     *Metrics

	cfg config.DispatchConfig
	log *logger.Logger
}

// NewEngine wires a complete dispatch engine against storage and
// metadata, registering its Prometheus collectors on reg.
func NewEngine(storage StorageAdapter, metadata MetadataCache, cfg config.DispatchConfig, log *logger.Logger, reg prometheus.Registerer) *Engine {
	table := NewSubscriptionTable()
	acks := NewAckRegistry()
	queues := NewResponseQueues(256)
	metrics := NewMetrics(reg)
	qos := NewQosProtocol(acks, queues, metadata, cfg, log)
	supervisor := NewSupervisor(table, storage, metadata, qos, cfg, log, metrics)

	return &Engine{
		Table:      table,
		Acks:       acks,
		Queues:     queues,
		Qos:        qos,
		Supervisor: supervisor,
		Metrics:    metrics,
		cfg:        cfg,
		log:        log,
	}
}

// Run starts the supervisor's reconciliation loop and the ack-sweeper in
// their own goroutines, blocking until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.runSweeper(ctx)
	e.Supervisor.Run(ctx)
}

// runSweeper periodically sweeps the AckRegistry for entries that have
// exceeded ack_timeout_ms, firing their notifiers with TimedOut=true.
func (e *Engine) runSweeper(ctx context.Context) {
	interval := e.cfg.AckTimeout() / 5
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, k := range e.Acks.Sweep(time.Now(), e.cfg.AckTimeout()) {
				e.Metrics.ObserveTimeout("sweep")
				e.log.LogTimeout(k.ClientID, k.Pkid, "sweep", 0)
			}
		}
	}
}

// Subscribe adds or replaces a subscription, idempotent on
// (client_id, topic_id). If the subscription's worker was previously
// halted by crash-loop protection, this clears the halt so the next
// reconciliation tick spawns a fresh worker.
func (e *Engine) Subscribe(sub Subscription) {
	e.Table.Add(sub)
	e.Supervisor.Resubscribe(sub.ClientID, sub.TopicID)
}

// Unsubscribe removes a subscription; its worker is stopped on the next
// reconciliation tick.
func (e *Engine) Unsubscribe(clientID, topicID string) {
	e.Table.Remove(clientID, topicID)
}

// SessionEnded removes every subscription belonging to clientID.
func (e *Engine) SessionEnded(clientID string) {
	e.Table.RemoveClient(clientID)
}

// HandleAck routes an inbound PubAck/PubRec/PubComp to the AckRegistry.
// Returns false if no worker was waiting for it (UnexpectedAck).
func (e *Engine) HandleAck(clientID string, pkid uint16, result AckResult) bool {
	delivered := e.Acks.Deliver(clientID, pkid, result)
	if !delivered {
		e.log.LogUnexpectedAck(clientID, pkid, result.PacketType.String())
	}
	return delivered
}
