package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubAckEncodeParseRoundTripV4(t *testing.T) {
	p := &PubAckPacket{PacketID: 42, ReasonCode: ReasonSuccess}
	raw := p.Encode(V4)

	got := &PubAckPacket{}
	require.NoError(t, got.Parse(raw))
	assert.Equal(t, uint16(42), got.PacketID)
	assert.Equal(t, ReasonSuccess, got.ReasonCode)
}

func TestPubRecEncodeParseRoundTripV5WithFailureReason(t *testing.T) {
	p := &PubRecPacket{PacketID: 7, ReasonCode: ReasonUnspecifiedError}
	raw := p.Encode(V5)

	got := &PubRecPacket{}
	require.NoError(t, got.Parse(raw))
	assert.Equal(t, uint16(7), got.PacketID)
	assert.Equal(t, ReasonUnspecifiedError, got.ReasonCode)
}

func TestPubRelEncodeSetsReservedFlags(t *testing.T) {
	p := &PubRelPacket{PacketID: 1, ReasonCode: ReasonSuccess}
	raw := p.Encode(V4)

	assert.Equal(t, byte(PUBREL)|0x02, raw[0])

	got := &PubRelPacket{}
	require.NoError(t, got.Parse(raw))
	assert.Equal(t, uint16(1), got.PacketID)
}

func TestPubCompParseRejectsWrongPacketType(t *testing.T) {
	raw := (&PubAckPacket{PacketID: 1}).Encode(V4)

	got := &PubCompPacket{}
	assert.Error(t, got.Parse(raw))
}

func TestLegacyV4AckHelpersEncodeReasonSuccess(t *testing.T) {
	assert.Equal(t, (&PubAckPacket{PacketID: 5, ReasonCode: ReasonSuccess}).Encode(V4), NewPubAck(5))
	assert.Equal(t, (&PubRecPacket{PacketID: 5, ReasonCode: ReasonSuccess}).Encode(V4), NewPubRec(5))
	assert.Equal(t, (&PubRelPacket{PacketID: 5, ReasonCode: ReasonSuccess}).Encode(V4), NewPubRel(5))
	assert.Equal(t, (&PubCompPacket{PacketID: 5, ReasonCode: ReasonSuccess}).Encode(V4), NewPubComp(5))
}
