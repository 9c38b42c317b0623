package subscribe

import (
	"context"
	"time"

	"github.com/fluxmq/broker/internal/config"
	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/logger"
	"github.com/fluxmq/broker/internal/packet"
)

// backoffSchedule returns the resend delay for the given retry attempt
// (0-indexed): 1s, 2s, 4s, 8s, 16s, then the configured ceiling.
func backoffSchedule(attempt int, ceiling time.Duration) time.Duration {
	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Outcome is what QosProtocol.Deliver reports back to the push worker
// driving it.
type Outcome int

const (
	// OutcomeDelivered: ack observed (or QoS-0 enqueued). Commit the offset.
	OutcomeDelivered Outcome = iota
	// OutcomeAbandoned: retries exhausted or terminal reason code from the
	// peer. Commit the offset anyway — at-most-once fallback.
	OutcomeAbandoned
	// OutcomeStopped: the worker's stop signal fired mid-exchange. Do not
	// commit; the next worker instance redelivers this record.
	OutcomeStopped
)

// QosProtocol drives the QoS-0/1/2 sender state machines, all keyed by
// (client_id, pkid). It owns no per-call timers: ack waits block on the
// AckRegistry notifier, which a background sweeper fires on timeout.
type QosProtocol struct {
	acks    *AckRegistry
	queues  *ResponseQueues
	metadata MetadataCache
	cfg     config.DispatchConfig
	log     *logger.Logger
}

// NewQosProtocol wires the sender state machines to their collaborators.
func NewQosProtocol(acks *AckRegistry, queues *ResponseQueues, metadata MetadataCache, cfg config.DispatchConfig, log *logger.Logger) *QosProtocol {
	return &QosProtocol{acks: acks, queues: queues, metadata: metadata, cfg: cfg, log: log}
}

// Deliver sends env to connectID under sub's protocol version and drives
// the ack protocol for its effective QoS to completion (delivered,
// abandoned, or the worker was told to stop).
func (q *QosProtocol) Deliver(ctx context.Context, stop <-chan struct{}, sub Subscription, connectID uint64, env *Envelope) (Outcome, error) {
	switch env.EffectiveQoS {
	case packet.QoSAtMostOnce:
		return q.deliverQoS0(ctx, sub, connectID, env)
	case packet.QoSAtLeastOnce:
		return q.deliverQoS1(ctx, stop, sub, connectID, env)
	default:
		return q.deliverQoS2(ctx, stop, sub, connectID, env)
	}
}

func (q *QosProtocol) deliverQoS0(ctx context.Context, sub Subscription, connectID uint64, env *Envelope) (Outcome, error) {
	payload := env.Publish.Encode(sub.Protocol)
	if err := q.enqueue(ctx, sub.Protocol, connectID, payload); err != nil {
		return OutcomeAbandoned, &er.Err{Context: "QosProtocol.QoS0", Message: err, Class: er.Transient}
	}
	return OutcomeDelivered, nil
}

func (q *QosProtocol) deliverQoS1(ctx context.Context, stop <-chan struct{}, sub Subscription, connectID uint64, env *Envelope) (Outcome, error) {
	pkid := env.Pkid
	attempt := 0

	for {
		select {
		case <-stop:
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeStopped, nil
		default:
		}

		notifier, err := q.acks.Register(sub.ClientID, pkid, packet.PUBACK)
		if err != nil {
			return OutcomeAbandoned, err
		}

		env.Publish.DUP = attempt > 0
		if err := q.enqueue(ctx, sub.Protocol, connectID, env.Publish.Encode(sub.Protocol)); err != nil {
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeAbandoned, &er.Err{Context: "QosProtocol.QoS1", Message: err, Class: er.Transient}
		}

		result := q.awaitAck(notifier, stop)
		switch {
		case result.stopped:
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeStopped, nil
		case result.ack.TimedOut:
			attempt++
			if attempt > q.cfg.MaxRetries {
				q.abandon(sub, pkid)
				q.log.LogDeliveryAbandoned(sub.ClientID, sub.TopicName, "max_retries_exceeded")
				return OutcomeAbandoned, nil
			}
			q.log.LogTimeout(sub.ClientID, pkid, "AwaitPubAck", attempt)
			q.sleep(ctx, backoffSchedule(attempt-1, q.cfg.MaxBackoff()))
			continue
		case result.ack.ReasonCode.IsFailure():
			q.abandon(sub, pkid)
			q.log.LogDeliveryAbandoned(sub.ClientID, sub.TopicName, "puback_failure_reason")
			return OutcomeAbandoned, nil
		default:
			q.metadata.RemovePkidInfo(sub.ClientID, pkid)
			return OutcomeDelivered, nil
		}
	}
}

func (q *QosProtocol) deliverQoS2(ctx context.Context, stop <-chan struct{}, sub Subscription, connectID uint64, env *Envelope) (Outcome, error) {
	pkid := env.Pkid
	attempt := 0

	// Phase 1: Publish -> AwaitPubRec, resending the Publish (DUP=1) on
	// timeout.
	for {
		select {
		case <-stop:
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeStopped, nil
		default:
		}

		notifier, err := q.acks.Register(sub.ClientID, pkid, packet.PUBREC)
		if err != nil {
			return OutcomeAbandoned, err
		}

		env.Publish.DUP = attempt > 0
		if err := q.enqueue(ctx, sub.Protocol, connectID, env.Publish.Encode(sub.Protocol)); err != nil {
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeAbandoned, &er.Err{Context: "QosProtocol.QoS2.Publish", Message: err, Class: er.Transient}
		}

		result := q.awaitAck(notifier, stop)
		switch {
		case result.stopped:
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeStopped, nil
		case result.ack.TimedOut:
			attempt++
			if attempt > q.cfg.MaxRetries {
				q.abandon(sub, pkid)
				q.log.LogDeliveryAbandoned(sub.ClientID, sub.TopicName, "max_retries_exceeded")
				return OutcomeAbandoned, nil
			}
			q.log.LogTimeout(sub.ClientID, pkid, "AwaitPubRec", attempt)
			q.sleep(ctx, backoffSchedule(attempt-1, q.cfg.MaxBackoff()))
			continue
		case result.ack.ReasonCode.IsFailure():
			// A PubRec with reason >= 0x80 terminates the exchange and
			// releases the pkid without sending PubRel.
			q.abandon(sub, pkid)
			q.log.LogDeliveryAbandoned(sub.ClientID, sub.TopicName, "pubrec_failure_reason")
			return OutcomeAbandoned, nil
		}
		goto phase2
	}

phase2:
	// Phase 2: PubRel -> AwaitPubComp. The pkid is retained for the whole
	// exchange; only the PubRel send is retried, never re-keyed.
	relAttempt := 0
	for {
		select {
		case <-stop:
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeStopped, nil
		default:
		}

		notifier, err := q.acks.Register(sub.ClientID, pkid, packet.PUBCOMP)
		if err != nil {
			return OutcomeAbandoned, err
		}

		relPayload := (&packet.PubRelPacket{PacketID: pkid, ReasonCode: packet.ReasonSuccess}).Encode(sub.Protocol)
		if err := q.enqueue(ctx, sub.Protocol, connectID, relPayload); err != nil {
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeAbandoned, &er.Err{Context: "QosProtocol.QoS2.PubRel", Message: err, Class: er.Transient}
		}

		result := q.awaitAck(notifier, stop)
		switch {
		case result.stopped:
			q.acks.Remove(sub.ClientID, pkid)
			return OutcomeStopped, nil
		case result.ack.TimedOut:
			relAttempt++
			if relAttempt > q.cfg.MaxRetries {
				q.abandon(sub, pkid)
				q.log.LogDeliveryAbandoned(sub.ClientID, sub.TopicName, "max_retries_exceeded")
				return OutcomeAbandoned, nil
			}
			q.log.LogTimeout(sub.ClientID, pkid, "AwaitPubComp", relAttempt)
			q.sleep(ctx, backoffSchedule(relAttempt-1, q.cfg.MaxBackoff()))
			continue
		default:
			q.metadata.RemovePkidInfo(sub.ClientID, pkid)
			return OutcomeDelivered, nil
		}
	}
}

// HandlePubRel answers an inbound PUBREL from a client acting as QoS-2
// receiver with a PUBCOMP. PubRel is idempotent: a duplicate for a pkid
// already completed still gets a PubComp back, without altering state.
func (q *QosProtocol) HandlePubRel(ctx context.Context, protocol packet.Version, connectID uint64, pkid uint16) error {
	payload := (&packet.PubCompPacket{PacketID: pkid, ReasonCode: packet.ReasonSuccess}).Encode(protocol)
	return q.enqueue(ctx, protocol, connectID, payload)
}

type awaitResult struct {
	ack     AckResult
	stopped bool
}

func (q *QosProtocol) awaitAck(notifier <-chan AckResult, stop <-chan struct{}) awaitResult {
	select {
	case result := <-notifier:
		return awaitResult{ack: result}
	case <-stop:
		return awaitResult{stopped: true}
	}
}

func (q *QosProtocol) abandon(sub Subscription, pkid uint16) {
	q.acks.Remove(sub.ClientID, pkid)
	q.metadata.RemovePkidInfo(sub.ClientID, pkid)
}

func (q *QosProtocol) enqueue(ctx context.Context, v packet.Version, connectID uint64, payload []byte) error {
	return q.queues.Send(ctx, v, ResponsePackage{ConnectionID: connectID, Payload: payload})
}

func (q *QosProtocol) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
