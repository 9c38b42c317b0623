package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/er"
	pkt "github.com/fluxmq/broker/internal/packet"
)

func TestReadPacketFramesFixedAndRemainingLength(t *testing.T) {
	// PINGREQ: type/flags byte 0xC0, remaining length 0, no payload.
	raw := []byte{0xC0, 0x00}
	reader := bufio.NewReader(bytes.NewReader(raw))

	got, err := readPacket(reader)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestReadPacketMultiByteRemainingLength(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 200)
	// remaining length 200 encodes as 0xC8, 0x01 in the variable-length scheme.
	raw := append([]byte{0x30, 0xC8, 0x01}, payload...)
	reader := bufio.NewReader(bytes.NewReader(raw))

	got, err := readPacket(reader)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestReadPacketRejectsOversizedRemainingLength(t *testing.T) {
	raw := []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	reader := bufio.NewReader(bytes.NewReader(raw))

	_, err := readPacket(reader)
	require.Error(t, err)
	assert.ErrorIs(t, err, er.ErrRemainingLengthExceeded)
}

func TestReadPacketEOFOnEmptyStream(t *testing.T) {
	reader := bufio.NewReader(bytes.NewReader(nil))
	_, err := readPacket(reader)
	assert.Error(t, err)
}

func TestConnAckForPicksEncodingByVersion(t *testing.T) {
	v4Ack := connAckFor(pkt.V4, false, pkt.ConnectionAccepted)
	assert.Equal(t, pkt.NewConnAck(false, pkt.ConnectionAccepted), v4Ack)

	v5Ack := connAckFor(pkt.V5, true, pkt.ConnectionAccepted)
	assert.Equal(t, pkt.NewConnAckV5(true, pkt.ReasonCode(pkt.ConnectionAccepted)), v5Ack)
}

func TestConnackForParseErrorMapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err      error
		wantCode byte
	}{
		{er.ErrUnsupportedProtocolLevel, pkt.UnacceptableProtocolVersion},
		{er.ErrUnsupportedProtocolName, pkt.UnacceptableProtocolVersion},
		{er.ErrInvalidCharsClientID, pkt.IdentifierRejected},
		{er.ErrClientIDLengthExceed, pkt.IdentifierRejected},
		{er.ErrPasswordWithoutUsername, pkt.BadUsernameOrPassword},
		{er.ErrMalformedUsernameField, pkt.BadUsernameOrPassword},
	}
	for _, c := range cases {
		got := connackForParseError(c.err)
		assert.Equal(t, pkt.NewConnAck(false, c.wantCode), got, c.err)
	}
}

func TestConnackForParseErrorDefaultsToServerUnavailable(t *testing.T) {
	got := connackForParseError(assertUnknownErr{})
	assert.Equal(t, pkt.NewConnAck(false, pkt.ServerUnavailable), got)
}

type assertUnknownErr struct{}

func (assertUnknownErr) Error() string { return "unknown" }
