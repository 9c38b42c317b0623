package packet

import (
	"encoding/binary"

	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet/utils"
)

// UnsubscribePacket is a parsed UNSUBSCRIBE.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string

	Raw []byte
}

func (up *UnsubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrInvalidUnsubscribePacket}
	}
	if PacketType(raw[0]&0xF0) != UNSUBSCRIBE {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrInvalidUnsubscribePacket}
	}
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Unsubscribe, Fixed Header", Message: er.ErrInvalidUnsubscribeFlags}
	}

	up.Raw = raw

	remainingLength, lenFieldSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	expectedLength := 1 + lenFieldSize + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "Unsubscribe, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + lenFieldSize

	if remainingLength < 4 {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrInvalidUnsubscribePacket}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Unsubscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	up.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if up.PacketID == 0 {
		return &er.Err{Context: "Unsubscribe, PacketID", Message: er.ErrInvalidPacketID}
	}
	offset += 2

	up.TopicFilters = make([]string, 0)

	for offset < len(raw) {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Unsubscribe, Topic Filter", Message: er.ErrInvalidUnsubscribePacket}
		}
		topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if topicLen == 0 {
			return &er.Err{Context: "Unsubscribe, Topic Filter", Message: er.ErrEmptyTopicFilter}
		}
		if offset+int(topicLen) > len(raw) {
			return &er.Err{Context: "Unsubscribe, Topic Filter", Message: er.ErrInvalidUnsubscribePacket}
		}
		topicFilter := string(raw[offset : offset+int(topicLen)])
		offset += int(topicLen)

		if err := utils.ValidateTopicFilter(topicFilter); err != nil {
			return err
		}

		up.TopicFilters = append(up.TopicFilters, topicFilter)
	}

	if len(up.TopicFilters) == 0 {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrNoTopicFilters}
	}

	return nil
}

// UnsubackPacket is the UNSUBSCRIBE acknowledgement.
type UnsubackPacket struct {
	PacketID uint16
}

func NewUnsubAck(unsubscribePacket *UnsubscribePacket) *UnsubackPacket {
	return &UnsubackPacket{PacketID: unsubscribePacket.PacketID}
}

func (p *UnsubackPacket) Parse(raw []byte) error {
	if len(raw) < 4 {
		return &er.Err{Context: "UNSUBACK", Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != UNSUBACK {
		return &er.Err{Context: "UNSUBACK", Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "UNSUBACK", Message: er.ErrInvalidPacketLength}
	}
	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	return nil
}

func (p *UnsubackPacket) Encode() []byte {
	return remainingLengthEnvelope(UNSUBACK, 0x00, utils.EncodePacketID(p.PacketID))
}
