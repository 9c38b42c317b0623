package packet

import (
	"encoding/binary"

	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet/utils"
)

// SubscribeFilter is one SUBSCRIBE payload entry. NoLocal and
// PreserveRetain (the MQTT 5 "Retain As Published" option) feed directly
// into DeliveryEnvelope's filter policy; both default false on v3/v4.
type SubscribeFilter struct {
	Topic          string
	QoS            QoSLevel
	NoLocal        bool
	PreserveRetain bool
}

// SubscribePacket is a parsed SUBSCRIBE. SubscriptionID carries the MQTT 5
// Subscription Identifier property, if the client sent one.
type SubscribePacket struct {
	PacketID        uint16
	SubscriptionID  uint32
	HasSubscription bool
	Filters         []SubscribeFilter

	Raw []byte
}

func (sp *SubscribePacket) Parse(raw []byte, v Version) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if PacketType(raw[0]&0xF0) != SUBSCRIBE {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Subscribe, Fixed Header", Message: er.ErrInvalidSubscribeFlags}
	}

	sp.Raw = raw

	remainingLength, lenFieldSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	expectedLength := 1 + lenFieldSize + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "Subscribe, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + lenFieldSize

	if remainingLength < 6 {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	sp.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if sp.PacketID == 0 {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrInvalidPacketID}
	}
	offset += 2

	if v == V5 {
		id, consumed, err := parseSubscribeProperties(raw[offset:])
		if err != nil {
			return err
		}
		if id != 0 {
			sp.SubscriptionID = id
			sp.HasSubscription = true
		}
		offset += consumed
	}

	sp.Filters = make([]SubscribeFilter, 0)

	for offset < len(raw) {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}
		topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if topicLen == 0 {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrEmptyTopicFilter}
		}
		if offset+int(topicLen) > len(raw) {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}
		topicFilter := string(raw[offset : offset+int(topicLen)])
		offset += int(topicLen)

		if err := utils.ValidateTopicFilter(topicFilter); err != nil {
			return err
		}

		if offset >= len(raw) {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidSubscribePacket}
		}
		optByte := raw[offset]
		offset++

		qos := QoSLevel(optByte & 0x03)
		if qos > QoSExactlyOnce {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSLevel}
		}

		filter := SubscribeFilter{Topic: topicFilter, QoS: qos}
		if v == V5 {
			filter.NoLocal = (optByte & 0x04) != 0
			filter.PreserveRetain = (optByte & 0x08) != 0 // Retain As Published bit set => keep the message's retain flag
		}
		sp.Filters = append(sp.Filters, filter)
	}

	if len(sp.Filters) == 0 {
		return &er.Err{Context: "Subscribe", Message: er.ErrNoTopicFilters}
	}

	return nil
}

func parseSubscribeProperties(data []byte) (uint32, int, error) {
	length, lenBytes, err := utils.ParseVarInt(data)
	if err != nil {
		return 0, 0, err
	}
	body := data[lenBytes : lenBytes+length]

	var subID uint32
	i := 0
	for i < len(body) {
		id := body[i]
		i++
		switch id {
		case 0x0B: // Subscription Identifier
			v, n, err := utils.ParseVarInt(body[i:])
			if err != nil {
				return 0, 0, err
			}
			subID = uint32(v)
			i += n
		case 0x26: // User Property
			_, n1, err := utils.ParseString(body[i:])
			if err != nil {
				return 0, 0, err
			}
			i += n1
			_, n2, err := utils.ParseString(body[i:])
			if err != nil {
				return 0, 0, err
			}
			i += n2
		default:
			return 0, 0, &er.Err{Context: "Subscribe, Properties", Message: er.ErrInvalidSubscribePacket}
		}
	}

	return subID, lenBytes + length, nil
}

// SUBACK return codes / v5 reason codes.
const (
	SubackMaxQoS0 byte = 0x00
	SubackMaxQoS1 byte = 0x01
	SubackMaxQoS2 byte = 0x02
	SubackFailure byte = 0x80
)

// SubackPacket is the SUBSCRIBE acknowledgement, one return code per
// requested filter, in order.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// NewSubAck grants the requested QoS for every filter (no server-side
// downgrade policy); a QoS above 2 gets SubackFailure.
func NewSubAck(subscribePacket *SubscribePacket) *SubackPacket {
	returnCodes := make([]byte, len(subscribePacket.Filters))
	for i, filter := range subscribePacket.Filters {
		switch filter.QoS {
		case QoSAtMostOnce:
			returnCodes[i] = SubackMaxQoS0
		case QoSAtLeastOnce:
			returnCodes[i] = SubackMaxQoS1
		case QoSExactlyOnce:
			returnCodes[i] = SubackMaxQoS2
		default:
			returnCodes[i] = SubackFailure
		}
	}
	return &SubackPacket{PacketID: subscribePacket.PacketID, ReturnCodes: returnCodes}
}

func (p *SubackPacket) Encode(v Version) []byte {
	var body []byte
	body = append(body, utils.EncodePacketID(p.PacketID)...)
	if v == V5 {
		body = append(body, 0x00) // empty properties
	}
	body = append(body, p.ReturnCodes...)
	return remainingLengthEnvelope(SUBACK, 0x00, body)
}

func (p *SubackPacket) Parse(raw []byte) error {
	if len(raw) < 4 {
		return &er.Err{Context: "SUBACK", Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != SUBACK {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketType}
	}

	remainingLength, lenFieldSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	expectedLength := 1 + lenFieldSize + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketLength}
	}

	packetIDIndex := 1 + lenFieldSize
	p.PacketID = binary.BigEndian.Uint16(raw[packetIDIndex : packetIDIndex+2])

	returnCodesIndex := packetIDIndex + 2
	p.ReturnCodes = make([]byte, remainingLength-2)
	copy(p.ReturnCodes, raw[returnCodesIndex:])

	return nil
}
