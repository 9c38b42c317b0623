package packet

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet/utils"
)

// ConnectPacket is a parsed CONNECT variable header + payload, accepted
// for protocol levels 3 (MQTT 3.1), 4 (MQTT 3.1.1) and 5 (MQTT 5.0).
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	Version       Version

	UsernameFlag bool
	PasswordFlag bool
	WillRetain   bool
	WillQoS      byte
	WillFlag     bool
	CleanSession bool
	KeepAlive    uint16

	// ReceiveMax is the MQTT 5 CONNECT property limiting the number of
	// in-flight QoS>=1 publishes the client will accept; the
	// PkidAllocator uses it as the client's in-flight bound. Absent on
	// v3/v4, where Parse sets it to 65535.
	ReceiveMax uint16

	ClientID    string
	WillTopic   *string
	WillMessage *string
	Username    *string
	Password    *string

	Raw []byte
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	if PacketType(raw[0]&0xF0) != CONNECT {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}

	cp.Raw = raw
	_, lenFieldSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenFieldSize // fixed header byte + 1-4 byte remaining length

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	protocolNameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	if offset+int(protocolNameLen) > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ProtocolName = string(raw[offset : offset+int(protocolNameLen)])
	offset += int(protocolNameLen)

	if cp.ProtocolName != "MQTT" && cp.ProtocolName != "MQIsdp" {
		return &er.Err{Context: "Connect, ProtocolName", Message: er.ErrUnsupportedProtocolName}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	switch cp.ProtocolLevel {
	case 3:
		cp.Version = V3
	case 4:
		cp.Version = V4
	case 5:
		cp.Version = V5
	default:
		return &er.Err{Context: "Connect, ProtocolLevel", Message: er.ErrUnsupportedProtocolLevel}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	connectFlags := raw[offset]
	offset++

	cp.UsernameFlag = (connectFlags & 0x80) != 0
	cp.PasswordFlag = (connectFlags & 0x40) != 0
	cp.WillRetain = (connectFlags & 0x20) != 0
	cp.WillQoS = (connectFlags & 0x18) >> 3
	cp.WillFlag = (connectFlags & 0x04) != 0
	cp.CleanSession = (connectFlags & 0x02) != 0

	if cp.WillFlag && cp.WillQoS > 2 {
		return &er.Err{Context: "Connect, WillQos", Message: er.ErrInvalidWillQos}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if cp.Version == V5 {
		n, consumed, err := parseConnectProperties(raw[offset:])
		if err != nil {
			return err
		}
		cp.ReceiveMax = n
		offset += consumed
	} else {
		cp.ReceiveMax = 65535
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	clientIDLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	if offset+int(clientIDLen) > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}
	cp.ClientID = string(raw[offset : offset+int(clientIDLen)])
	offset += int(clientIDLen)

	if cErr := cp.ValidateClientID(); cErr != nil {
		switch {
		case errors.Is(cErr, er.ErrEmptyClientID):
			cp.ClientID = uuid.NewString()
		case errors.Is(cErr, er.ErrEmptyAndCleanSessionClientID):
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrIdentifierRejected}
		default:
			return cErr
		}
	}

	if cp.WillFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, WillFlag", Message: er.ErrInvalidConnPacket}
		}
		willTopicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willTopicLen) > len(raw) {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		cp.WillTopic = stringPtr(string(raw[offset : offset+int(willTopicLen)]))
		offset += int(willTopicLen)

		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		willMessageLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(willMessageLen) > len(raw) {
			return &er.Err{Context: "Connect, WillMessage", Message: er.ErrInvalidConnPacket}
		}
		cp.WillMessage = stringPtr(string(raw[offset : offset+int(willMessageLen)]))
		offset += int(willMessageLen)
	}

	if !cp.UsernameFlag && cp.PasswordFlag {
		return &er.Err{Context: "Connect, UsernameFlag + PasswordFlag", Message: er.ErrPasswordWithoutUsername}
	}

	if cp.UsernameFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, UsernameFlag", Message: er.ErrMalformedUsernameField}
		}
		usernameLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(usernameLen) > len(raw) {
			return &er.Err{Context: "Connect, Username", Message: er.ErrMalformedUsernameField}
		}
		cp.Username = stringPtr(string(raw[offset : offset+int(usernameLen)]))
		offset += int(usernameLen)
	}

	if cp.PasswordFlag {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Connect, PasswordFlag", Message: er.ErrMalformedPasswordField}
		}
		passwordLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2
		if offset+int(passwordLen) > len(raw) {
			return &er.Err{Context: "Connect, Password", Message: er.ErrMalformedPasswordField}
		}
		cp.Password = stringPtr(string(raw[offset : offset+int(passwordLen)]))
	}

	return nil
}

// parseConnectProperties reads the MQTT 5 CONNECT properties block,
// returning the Receive Maximum property (default 65535 if absent) and
// the number of bytes consumed including the length prefix. Properties
// this broker does not act on are skipped by their known wire width.
func parseConnectProperties(data []byte) (uint16, int, error) {
	length, lenBytes, err := utils.ParseVarInt(data)
	if err != nil {
		return 0, 0, err
	}
	body := data[lenBytes : lenBytes+length]
	receiveMax := uint16(65535)

	i := 0
	for i < len(body) {
		id := body[i]
		i++
		switch id {
		case 0x21: // Receive Maximum
			if i+2 > len(body) {
				return 0, 0, &er.Err{Context: "Connect, Properties", Message: er.ErrInvalidConnPacket}
			}
			receiveMax = binary.BigEndian.Uint16(body[i : i+2])
			i += 2
		case 0x27: // Maximum Packet Size
			i += 4
		case 0x22: // Topic Alias Maximum
			i += 2
		case 0x17, 0x19: // Request Problem/Response Information
			i++
		case 0x15: // Authentication Method
			_, n, err := utils.ParseString(body[i:])
			if err != nil {
				return 0, 0, err
			}
			i += n
		case 0x16: // Authentication Data
			if i+2 > len(body) {
				return 0, 0, &er.Err{Context: "Connect, Properties", Message: er.ErrInvalidConnPacket}
			}
			dlen := int(binary.BigEndian.Uint16(body[i : i+2]))
			i += 2 + dlen
		case 0x26: // User Property (key, value strings)
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
			return 0, 0, &er.Err{Context: "Connect, Properties", Message: er.ErrInvalidConnPacket}
		}
	}

	return receiveMax, lenBytes + length, nil
}

func (cp *ConnectPacket) ValidateClientID() error {
	if len(cp.ClientID) == 0 {
		if !cp.CleanSession {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyAndCleanSessionClientID}
		}
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyClientID}
	}

	if cp.Version != V5 && len(cp.ClientID) > 23 {
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrClientIDLengthExceed}
	}

	if cp.Version != V5 {
		const allowedChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
		for _, char := range cp.ClientID {
			if !strings.ContainsRune(allowedChars, char) {
				return &er.Err{Context: "Connect, ClientID", Message: er.ErrInvalidCharsClientID}
			}
		}
	}

	return nil
}

func stringPtr(s string) *string {
	return &s
}
