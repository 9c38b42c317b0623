package packet

// CONNACK return codes (v3/v4).
const (
	ConnectionAccepted          = 0x00
	UnacceptableProtocolVersion = 0x01
	IdentifierRejected          = 0x02
	ServerUnavailable           = 0x03
	BadUsernameOrPassword       = 0x04
	NotAuthorized               = 0x05
)

// NewConnAck builds a CONNACK for v3/v4. For v5, use NewConnAckV5, whose
// reason code space is a superset of the v3/v4 return codes.
func NewConnAck(sessionPresent bool, returnCode byte) []byte {
	flags := byte(0x00)
	if sessionPresent {
		flags = 0x01
	}
	return []byte{0x20, 0x02, flags, returnCode}
}

// NewConnAckV5 builds a CONNACK with an empty properties list.
func NewConnAckV5(sessionPresent bool, reasonCode ReasonCode) []byte {
	flags := byte(0x00)
	if sessionPresent {
		flags = 0x01
	}
	body := []byte{flags, byte(reasonCode), 0x00} // trailing 0x00: zero-length properties
	return remainingLengthEnvelope(CONNACK, 0x00, body)
}
