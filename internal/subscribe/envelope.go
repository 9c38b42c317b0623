package subscribe

import (
	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/storage"
)

// Envelope is a Publish packet built for one (Subscription, Record)
// pair, already carrying the effective QoS and the pkid it will be sent
// under.
type Envelope struct {
	Publish      *packet.PublishPacket
	EffectiveQoS packet.QoSLevel
	Pkid         uint16
}

// BuildEnvelope applies the nolocal and retain-as-published policies to
// rec under sub, allocating a pkid from metadata when the effective QoS
// requires one.
//
// Returns (nil, ErrDropBySubPolicy) when nolocal drops the record — the
// caller must still commit the offset, just without delivering anything.
// Returns (nil, ErrPkidExhausted) when QoS >= 1 and no pkid is
// available; the caller should stall this worker rather than commit.
func BuildEnvelope(sub Subscription, rec storage.Record, metadata MetadataCache) (*Envelope, error) {
	if sub.NoLocal && rec.ClientID == sub.ClientID {
		return nil, &er.Err{Context: "BuildEnvelope", Message: er.ErrDropBySubPolicy, Class: er.PerRecord}
	}

	effectiveQoS := packet.MinQoS(packet.QoSLevel(rec.QoS), sub.QoS)

	retain := rec.Retain
	if !sub.PreserveRetain {
		retain = false
	}

	var pkid uint16
	var pkidPtr *uint16
	if effectiveQoS != packet.QoSAtMostOnce {
		allocated, ok := metadata.GetPkid(sub.ClientID)
		if !ok {
			return nil, &er.Err{Context: "BuildEnvelope", Message: er.ErrPkidExhausted, Class: er.Transient}
		}
		pkid = allocated
		pkidPtr = &pkid
	}

	pub := &packet.PublishPacket{
		Topic:    sub.TopicName,
		QoS:      effectiveQoS,
		Retain:   retain,
		PacketID: pkidPtr,
		Payload:  rec.Payload,
	}
	if sub.HasSubscriptionID {
		pub.SubscriptionIDs = []uint32{sub.SubscriptionID}
	}

	return &Envelope{Publish: pub, EffectiveQoS: effectiveQoS, Pkid: pkid}, nil
}
