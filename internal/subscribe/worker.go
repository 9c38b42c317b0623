package subscribe

import (
	"context"
	"time"

	"github.com/fluxmq/broker/internal/config"
	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/logger"
)

// ExclusivePushWorker is one task per (client_id, topic_id), driving the
// read -> filter -> resolve-connect -> deliver -> ack -> commit loop.
// Ordering within one worker is strict FIFO by log offset; concurrency
// across workers is unordered.
type ExclusivePushWorker struct {
	sub      Subscription
	storage  StorageAdapter
	metadata MetadataCache
	qos      *QosProtocol
	cfg      config.DispatchConfig
	log      *logger.Logger
	metrics  *Metrics

	stop chan struct{}
}

// NewExclusivePushWorker constructs a worker for sub. It does not start
// running until Run is called, normally in its own goroutine spawned by
// the Supervisor.
func NewExclusivePushWorker(sub Subscription, storage StorageAdapter, metadata MetadataCache, qos *QosProtocol, cfg config.DispatchConfig, log *logger.Logger, metrics *Metrics) *ExclusivePushWorker {
	return &ExclusivePushWorker{
		sub:      sub,
		storage:  storage,
		metadata: metadata,
		qos:      qos,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
}

// Stop signals the worker to exit at the top of its next loop iteration
// or inside its retry loop. It closes the stop channel, so a second call
// panics; the Supervisor calls Stop at most once per worker.
func (w *ExclusivePushWorker) Stop() {
	close(w.stop)
}

// Run drives the loop until Stop is called or ctx is cancelled, then
// returns nil; it never returns an error and never panics the process.
// Every failure is isolated to the current record or iteration: a
// storage read error sleeps and retries, a Transient error sleeps and
// retries the record in place without committing, and any other
// BuildEnvelope error (WorkerFatal included) advances the offset.
func (w *ExclusivePushWorker) Run(ctx context.Context) error {
	groupID := w.sub.GroupID()

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := w.storage.ReadTopicMessages(w.sub.TopicID, groupID, w.cfg.ReadBatchSize)
		if err != nil {
			w.log.LogError(err, "topic log read failed", logger.ClientID(w.sub.ClientID), logger.String("topic", w.sub.TopicName))
			w.sleep(ctx, w.cfg.PollEmptyInterval())
			continue
		}
		if len(records) == 0 {
			w.sleep(ctx, w.cfg.PollEmptyInterval())
			continue
		}

		for _, rec := range records {
			select {
			case <-w.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			env, err := BuildEnvelope(w.sub, rec, w.metadata)
			if err != nil {
				if er.ClassOf(err) == er.Transient {
					// PkidExhausted: stall this worker until an ack frees
					// a pkid rather than commit or skip the record.
					w.sleep(ctx, w.cfg.PollEmptyInterval())
					break
				}
				// DropBySubscriptionPolicy (nolocal) or a decode problem:
				// skip and commit past it.
				w.commit(groupID, rec.Offset+1)
				continue
			}

			connectID, ok := w.metadata.GetConnectID(w.sub.ClientID)
			if !ok || !w.metadata.IsConnected(connectID) {
				// Do not commit; the worker waits for reconnection rather
				// than dropping data.
				w.sleep(ctx, w.cfg.PollEmptyInterval())
				break
			}

			outcome, err := w.qos.Deliver(ctx, w.stop, w.sub, connectID, env)
			if err != nil {
				w.log.LogError(err, "delivery failed", logger.ClientID(w.sub.ClientID), logger.String("topic", w.sub.TopicName))
				if er.ClassOf(err) == er.Transient {
					// The packet never reached the response queue: release
					// the pkid and retry this record without committing.
					if env.Pkid != 0 {
						w.metadata.RemovePkidInfo(w.sub.ClientID, env.Pkid)
					}
					w.sleep(ctx, w.cfg.PollEmptyInterval())
					break
				}
			}

			switch outcome {
			case OutcomeStopped:
				return nil
			case OutcomeDelivered:
				if w.metrics != nil {
					w.metrics.ObserveDelivered(w.sub.TopicID)
				}
				w.commit(groupID, rec.Offset+1)
			case OutcomeAbandoned:
				if w.metrics != nil {
					w.metrics.ObserveAbandoned(w.sub.TopicID)
				}
				w.commit(groupID, rec.Offset+1)
			}
		}
	}
}

func (w *ExclusivePushWorker) commit(groupID string, offset uint64) {
	if err := w.storage.CommitGroupOffset(w.sub.TopicID, groupID, offset); err != nil {
		w.log.LogError(err, "group offset commit failed", logger.ClientID(w.sub.ClientID), logger.String("topic", w.sub.TopicName))
	}
}

func (w *ExclusivePushWorker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stop:
	case <-ctx.Done():
	}
}
