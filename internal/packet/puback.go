package packet

import (
	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet/utils"
)

// PubAckPacket, PubRecPacket, PubRelPacket and PubCompPacket are the four
// QoS 1/2 acknowledgement packets QosProtocol coordinates. Each carries an
// optional v5 ReasonCode; absent (v3/v4) it reads as ReasonSuccess.
type PubAckPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

type PubRecPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

type PubRelPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

type PubCompPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

func parseAckLike(raw []byte, want PacketType, context string) (uint16, ReasonCode, error) {
	if len(raw) < 4 {
		return 0, 0, &er.Err{Context: context, Message: er.ErrShortBuffer}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, 0, &er.Err{Context: context, Message: er.ErrInvalidPacketType}
	}

	remainingLength, lenFieldSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return 0, 0, err
	}
	offset := 1 + lenFieldSize
	if len(raw) < offset+2 {
		return 0, 0, &er.Err{Context: context, Message: er.ErrShortBuffer}
	}

	packetID, err := utils.ParsePacketID(raw[offset:])
	if err != nil {
		return 0, 0, err
	}
	offset += 2

	reasonCode := ReasonCode(ReasonSuccess)
	if remainingLength >= 3 && offset < len(raw) {
		reasonCode = ReasonCode(raw[offset])
	}

	return packetID, reasonCode, nil
}

func encodeAckLike(packetType PacketType, packetID uint16, reasonCode ReasonCode, v Version) []byte {
	var flags byte
	if packetType == PUBREL {
		flags = 0x02 // PUBREL fixed header reserved bits must be 0010
	}

	body := utils.EncodePacketID(packetID)
	if v == V5 && reasonCode != ReasonSuccess {
		body = append(body, byte(reasonCode), 0x00) // reason code + empty properties
	}
	return remainingLengthEnvelope(packetType, flags, body)
}

func (p *PubAckPacket) Parse(raw []byte) error {
	id, rc, err := parseAckLike(raw, PUBACK, "PubAck")
	if err != nil {
		return err
	}
	p.PacketID, p.ReasonCode = id, rc
	return nil
}

func (p *PubAckPacket) Encode(v Version) []byte {
	return encodeAckLike(PUBACK, p.PacketID, p.ReasonCode, v)
}

func NewPubAck(packetID uint16) []byte {
	return encodeAckLike(PUBACK, packetID, ReasonSuccess, V4)
}

func (p *PubRecPacket) Parse(raw []byte) error {
	id, rc, err := parseAckLike(raw, PUBREC, "PubRec")
	if err != nil {
		return err
	}
	p.PacketID, p.ReasonCode = id, rc
	return nil
}

func (p *PubRecPacket) Encode(v Version) []byte {
	return encodeAckLike(PUBREC, p.PacketID, p.ReasonCode, v)
}

func NewPubRec(packetID uint16) []byte {
	return encodeAckLike(PUBREC, packetID, ReasonSuccess, V4)
}

func (p *PubRelPacket) Parse(raw []byte) error {
	id, rc, err := parseAckLike(raw, PUBREL, "PubRel")
	if err != nil {
		return err
	}
	p.PacketID, p.ReasonCode = id, rc
	return nil
}

func (p *PubRelPacket) Encode(v Version) []byte {
	return encodeAckLike(PUBREL, p.PacketID, p.ReasonCode, v)
}

func NewPubRel(packetID uint16) []byte {
	return encodeAckLike(PUBREL, packetID, ReasonSuccess, V4)
}

func (p *PubCompPacket) Parse(raw []byte) error {
	id, rc, err := parseAckLike(raw, PUBCOMP, "PubComp")
	if err != nil {
		return err
	}
	p.PacketID, p.ReasonCode = id, rc
	return nil
}

func (p *PubCompPacket) Encode(v Version) []byte {
	return encodeAckLike(PUBCOMP, p.PacketID, p.ReasonCode, v)
}

func NewPubComp(packetID uint16) []byte {
	return encodeAckLike(PUBCOMP, packetID, ReasonSuccess, V4)
}
