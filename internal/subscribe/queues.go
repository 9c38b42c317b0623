package subscribe

import (
	"context"

	"github.com/fluxmq/broker/internal/packet"
)

// ResponseQueues are the two bounded multi-producer channels carrying
// ResponsePackage values to the TCP writer: V4 for v3/v4 connections
// (named sx4 in earlier revisions of this engine), V5 for MQTT 5
// connections (sx5). Payloads are already encoded for their protocol
// version when queued; the transport drains both queues the same way.
type ResponseQueues struct {
	V4 chan ResponsePackage
	V5 chan ResponsePackage
}

// NewResponseQueues allocates both queues with the given capacity.
func NewResponseQueues(capacity int) *ResponseQueues {
	return &ResponseQueues{
		V4: make(chan ResponsePackage, capacity),
		V5: make(chan ResponsePackage, capacity),
	}
}

// Send enqueues pkg onto the queue matching v, blocking until there is
// room or ctx is done. This is the single send(packet, version) seam
// QosProtocol and the push worker use instead of branching on version
// at every call site.
func (q *ResponseQueues) Send(ctx context.Context, v packet.Version, pkg ResponsePackage) error {
	ch := q.V4
	if v == packet.V5 {
		ch = q.V5
	}
	select {
	case ch <- pkg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
