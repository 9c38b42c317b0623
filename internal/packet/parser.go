package packet

import "github.com/fluxmq/broker/internal/er"

// Parse determines the packet type from the fixed header and dispatches
// to the matching type's Parse method. v is the protocol version already
// negotiated for this connection (V4 until CONNECT completes).
func Parse(raw []byte, v Version) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{Context: "Parse", Message: er.ErrShortBuffer}
	}

	packetType := PacketType(raw[0] & 0xF0)
	result := &ParsedPacket{Type: packetType, Raw: raw}

	switch packetType {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = p
	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = p
	case PUBACK:
		p := &PubAckPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.PubAck = p
	case PUBREC:
		p := &PubRecPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.PubRec = p
	case PUBREL:
		p := &PubRelPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.PubRel = p
	case PUBCOMP:
		p := &PubCompPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.PubComp = p
	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw, v); err != nil {
			return nil, err
		}
		result.Subscribe = p
	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = p
	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = p
	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = p
	default:
		return nil, &er.Err{Context: "Parse", Message: er.ErrInvalidPacketType}
	}

	return result, nil
}

// IsConnect reports whether this is a parsed CONNECT packet.
func (p *ParsedPacket) IsConnect() bool {
	return p.Type == CONNECT && p.Connect != nil
}

// GetConnect safely returns the CONNECT packet data.
func (p *ParsedPacket) GetConnect() *ConnectPacket {
	if p.IsConnect() {
		return p.Connect
	}
	return nil
}
