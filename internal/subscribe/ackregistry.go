package subscribe

import (
	"sync"
	"time"

	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet"
)

// AckResult is what a notifier receives: either a real ack (PubAck,
// PubRec, or PubComp, carrying its reason code) or a sweep-fired
// timeout.
type AckResult struct {
	PacketType packet.PacketType
	ReasonCode packet.ReasonCode
	TimedOut   bool
}

type ackKey struct {
	ClientID string
	Pkid     uint16
}

type ackEntry struct {
	expected  packet.PacketType
	createdAt time.Time
	notifier  chan AckResult
}

// AckRegistry is the rendezvous point between the network-ingress path,
// which decodes PubAck/PubRec/PubComp, and the push workers awaiting
// them. Notifiers are single-shot, single-consumer: at most one waiter
// per entry, and Deliver/sweep send at most once before the entry is
// removed.
type AckRegistry struct {
	mu      sync.Mutex
	entries map[ackKey]*ackEntry
}

// NewAckRegistry returns an empty registry.
func NewAckRegistry() *AckRegistry {
	return &AckRegistry{entries: make(map[ackKey]*ackEntry)}
}

// Register inserts a waiting entry for (clientID, pkid), returning the
// channel the caller should block on. Fails with ErrDuplicatePkid if an
// entry already exists — the caller must Remove or observe a terminal
// result before registering the same key again.
func (r *AckRegistry) Register(clientID string, pkid uint16, expected packet.PacketType) (<-chan AckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := ackKey{ClientID: clientID, Pkid: pkid}
	if _, exists := r.entries[k]; exists {
		return nil, &er.Err{Context: "AckRegistry.Register", Message: er.ErrDuplicatePkid, Class: er.PerRecord}
	}

	notifier := make(chan AckResult, 1)
	r.entries[k] = &ackEntry{expected: expected, createdAt: time.Now(), notifier: notifier}
	return notifier, nil
}

// Deliver routes an inbound ack to its waiter. Returns false if no
// matching entry exists, or if one exists but result.PacketType isn't
// the kind it registered to await (e.g. a stray PubAck arriving while a
// pkid is in QoS 2's AwaitPubRec phase) — the caller logs either case as
// UnexpectedAck rather than treating it as an error, since acks
// legitimately race with timeout cleanup and duplicate peer
// retransmits. A mismatched ack leaves the entry in place: the ack it's
// actually waiting for may still arrive.
func (r *AckRegistry) Deliver(clientID string, pkid uint16, result AckResult) bool {
	k := ackKey{ClientID: clientID, Pkid: pkid}

	r.mu.Lock()
	entry, ok := r.entries[k]
	if ok && entry.expected == result.PacketType {
		delete(r.entries, k)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.notifier <- result
	return true
}

// Remove discards an entry without notifying anyone. Idempotent.
func (r *AckRegistry) Remove(clientID string, pkid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ackKey{ClientID: clientID, Pkid: pkid})
}

// Sweep removes every entry older than timeout as of now, firing a
// TimedOut notification on each before removal. Returns the keys swept,
// for logging at the caller.
func (r *AckRegistry) Sweep(now time.Time, timeout time.Duration) []ackKey {
	r.mu.Lock()
	var stale []ackKey
	var notifiers []chan AckResult
	for k, entry := range r.entries {
		if now.Sub(entry.createdAt) >= timeout {
			stale = append(stale, k)
			notifiers = append(notifiers, entry.notifier)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	for _, n := range notifiers {
		n <- AckResult{TimedOut: true}
	}
	return stale
}
