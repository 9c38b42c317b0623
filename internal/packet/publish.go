package packet

import (
	"encoding/binary"

	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet/utils"
)

// PublishPacket is a parsed or to-be-encoded PUBLISH. SubscriptionIDs
// carries the MQTT 5 "Subscription Identifier" properties DeliveryEnvelope
// attaches when forwarding to a matching subscriber; it is empty for
// v3/v4 and for subscriptions that did not request one.
type PublishPacket struct {
	DUP    bool
	QoS    QoSLevel
	Retain bool

	Topic           string
	PacketID        *uint16
	SubscriptionIDs []uint32

	Payload []byte

	Raw []byte
}

func (pp *PublishPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}
	if PacketType(raw[0]&0xF0) != PUBLISH {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}

	pp.Raw = raw

	remainingLength, lenFieldSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	expectedLength := 1 + lenFieldSize + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "Publish, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + lenFieldSize

	fixedHeader := raw[0]
	pp.DUP = (fixedHeader & 0x08) != 0
	pp.QoS = QoSLevel((fixedHeader & 0x06) >> 1)
	pp.Retain = (fixedHeader & 0x01) != 0

	if pp.QoS > QoSExactlyOnce {
		return &er.Err{Context: "Publish, QoS", Message: er.ErrInvalidQoSLevel}
	}
	if pp.DUP && pp.QoS == QoSAtMostOnce {
		return &er.Err{Context: "Publish, DUP Flag", Message: er.ErrInvalidDUPFlag}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}
	topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	if topicLen == 0 {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrEmptyTopic}
	}
	if offset+int(topicLen) > len(raw) {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrInvalidPublishPacket}
	}
	pp.Topic = string(raw[offset : offset+int(topicLen)])
	offset += int(topicLen)

	if err := utils.ValidateTopicName(pp.Topic); err != nil {
		return err
	}

	if pp.QoS != QoSAtMostOnce {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrMissingPacketID}
		}
		packetID := binary.BigEndian.Uint16(raw[offset : offset+2])
		if packetID == 0 {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrInvalidPacketID}
		}
		pp.PacketID = &packetID
		offset += 2
	}

	if offset < len(raw) {
		payloadLen := len(raw) - offset
		if payloadLen > MaxPayloadSize {
			return &er.Err{Context: "Publish, Payload", Message: er.ErrPayloadTooLarge}
		}
		pp.Payload = make([]byte, payloadLen)
		copy(pp.Payload, raw[offset:])
	}

	return nil
}

// Encode serializes pp for protocol version v. On v5, a non-empty
// SubscriptionIDs list is encoded as repeated Subscription Identifier
// properties (property id 0x0B), one per matching subscription.
func (pp *PublishPacket) Encode(v Version) []byte {
	flags := byte(0)
	if pp.DUP {
		flags |= 0x08
	}
	flags |= byte(pp.QoS) << 1
	if pp.Retain {
		flags |= 0x01
	}

	var body []byte
	body = append(body, utils.EncodeString(pp.Topic)...)
	if pp.QoS != QoSAtMostOnce && pp.PacketID != nil {
		body = append(body, utils.EncodePacketID(*pp.PacketID)...)
	}

	if v == V5 {
		body = append(body, encodePublishProperties(pp.SubscriptionIDs)...)
	}

	body = append(body, pp.Payload...)

	return remainingLengthEnvelope(PUBLISH, flags, body)
}

func encodePublishProperties(subscriptionIDs []uint32) []byte {
	var props []byte
	for _, id := range subscriptionIDs {
		props = append(props, 0x0B)
		props = append(props, utils.EncodeVarInt(int(id))...)
	}
	out := append(utils.EncodeVarInt(len(props)), props...)
	return out
}
