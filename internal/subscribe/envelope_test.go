package subscribe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/storage"
)

type fakeMetadata struct {
	connectIDs map[string]uint64
	connected  map[uint64]bool
	receiveMax map[string]uint16
	nextPkid   map[string]uint16
	inFlight   map[string]map[uint16]bool
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		connectIDs: make(map[string]uint64),
		connected:  make(map[uint64]bool),
		receiveMax: make(map[string]uint16),
		nextPkid:   make(map[string]uint16),
		inFlight:   make(map[string]map[uint16]bool),
	}
}

func (f *fakeMetadata) register(clientID string, connectID uint64, receiveMax uint16) {
	f.connectIDs[clientID] = connectID
	f.connected[connectID] = true
	f.receiveMax[clientID] = receiveMax
	f.nextPkid[clientID] = 1
	f.inFlight[clientID] = make(map[uint16]bool)
}

func (f *fakeMetadata) GetConnectID(clientID string) (uint64, bool) {
	id, ok := f.connectIDs[clientID]
	return id, ok
}

func (f *fakeMetadata) IsConnected(connectID uint64) bool {
	return f.connected[connectID]
}

func (f *fakeMetadata) GetPkid(clientID string) (uint16, bool) {
	inFlight := f.inFlight[clientID]
	if len(inFlight) >= int(f.receiveMax[clientID]) {
		return 0, false
	}
	candidate := f.nextPkid[clientID]
	for {
		if candidate == 0 {
			candidate = 1
		}
		if !inFlight[candidate] {
			break
		}
		candidate++
	}
	inFlight[candidate] = true
	f.nextPkid[clientID] = candidate + 1
	return candidate, true
}

func (f *fakeMetadata) RemovePkidInfo(clientID string, pkid uint16) {
	delete(f.inFlight[clientID], pkid)
}

func (f *fakeMetadata) ReceiveMax(clientID string) uint16 {
	return f.receiveMax[clientID]
}

func TestBuildEnvelopeMinQoS(t *testing.T) {
	md := newFakeMetadata()
	md.register("sub-1", 1, 8)

	sub := Subscription{ClientID: "sub-1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtLeastOnce}
	rec := storage.Record{ClientID: "pub-1", QoS: byte(packet.QoSExactlyOnce), Payload: []byte("hi")}

	env, err := BuildEnvelope(sub, rec, md)
	require.NoError(t, err)
	assert.Equal(t, packet.QoSAtLeastOnce, env.EffectiveQoS)
	assert.NotZero(t, env.Pkid)
}

func TestBuildEnvelopeQoS0NoPkid(t *testing.T) {
	md := newFakeMetadata()
	md.register("sub-1", 1, 8)

	sub := Subscription{ClientID: "sub-1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtMostOnce}
	rec := storage.Record{ClientID: "pub-1", QoS: byte(packet.QoSAtMostOnce), Payload: []byte("hi")}

	env, err := BuildEnvelope(sub, rec, md)
	require.NoError(t, err)
	assert.Equal(t, packet.QoSAtMostOnce, env.EffectiveQoS)
	assert.Equal(t, uint16(0), env.Pkid)
	assert.Nil(t, env.Publish.PacketID)
}

func TestBuildEnvelopeNoLocalDrops(t *testing.T) {
	md := newFakeMetadata()
	md.register("c1", 1, 8)

	sub := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtMostOnce, NoLocal: true}
	rec := storage.Record{ClientID: "c1", Payload: []byte("hi")}

	env, err := BuildEnvelope(sub, rec, md)
	assert.Nil(t, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, er.ErrDropBySubPolicy)
}

func TestBuildEnvelopeRetainAsPublished(t *testing.T) {
	md := newFakeMetadata()
	md.register("c1", 1, 8)

	subKeep := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtMostOnce, PreserveRetain: true}
	rec := storage.Record{ClientID: "pub-1", Retain: true, Payload: []byte("hi")}

	env, err := BuildEnvelope(subKeep, rec, md)
	require.NoError(t, err)
	assert.True(t, env.Publish.Retain)

	subClear := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtMostOnce, PreserveRetain: false}
	env2, err := BuildEnvelope(subClear, rec, md)
	require.NoError(t, err)
	assert.False(t, env2.Publish.Retain)
}

func TestBuildEnvelopePkidExhausted(t *testing.T) {
	md := newFakeMetadata()
	md.register("c1", 1, 1)

	sub := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtLeastOnce}
	rec := storage.Record{ClientID: "pub-1", QoS: byte(packet.QoSAtLeastOnce), Payload: []byte("hi")}

	_, err := BuildEnvelope(sub, rec, md)
	require.NoError(t, err)

	_, err = BuildEnvelope(sub, rec, md)
	require.Error(t, err)
	assert.ErrorIs(t, err, er.ErrPkidExhausted)
}

func TestBuildEnvelopeSubscriptionIdentifier(t *testing.T) {
	md := newFakeMetadata()
	md.register("c1", 1, 8)

	sub := Subscription{
		ClientID: "c1", TopicID: "t1", TopicName: "/t",
		QoS: packet.QoSAtMostOnce, HasSubscriptionID: true, SubscriptionID: 42,
	}
	rec := storage.Record{ClientID: "pub-1", Payload: []byte("hi")}

	env, err := BuildEnvelope(sub, rec, md)
	require.NoError(t, err)
	require.Len(t, env.Publish.SubscriptionIDs, 1)
	assert.EqualValues(t, 42, env.Publish.SubscriptionIDs[0])
}
