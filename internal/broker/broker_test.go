package broker

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/config"
	"github.com/fluxmq/broker/internal/logger"
	"github.com/fluxmq/broker/internal/metadata"
	"github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/storage"
	"github.com/fluxmq/broker/internal/subscribe"
)

type fakeStorage struct {
	mu      sync.Mutex
	records map[string][]storage.Record
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{records: make(map[string][]storage.Record)}
}

func (f *fakeStorage) AppendMessage(topicID string, rec storage.Record) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Offset = uint64(len(f.records[topicID]))
	f.records[topicID] = append(f.records[topicID], rec)
	return rec.Offset, nil
}

func (f *fakeStorage) ReadTopicMessages(topicID, groupID string, maxRecords int) ([]storage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.records[topicID]
	if len(recs) > maxRecords {
		recs = recs[:maxRecords]
	}
	return recs, nil
}

func (f *fakeStorage) CommitGroupOffset(topicID, groupID string, offset uint64) error { return nil }
func (f *fakeStorage) KVGet(key string) ([]byte, error)                              { return nil, nil }
func (f *fakeStorage) KVSet(key string, value []byte) error                          { return nil }
func (f *fakeStorage) KVDelete(key string) error                                     { return nil }
func (f *fakeStorage) Close() error                                                  { return nil }

func testBroker(t *testing.T) *Broker {
	t.Helper()
	store := newFakeStorage()
	meta := metadata.New()
	cfg := config.DispatchConfig{AckTimeoutMs: 50, MaxRetries: 2, ReadBatchSize: 5, PollEmptyMs: 10, MaxBackoffMs: 100}
	log := logger.New(logger.Config{Level: logger.LevelError, Format: "text"})
	engine := subscribe.NewEngine(store, meta, cfg, log, prometheus.NewRegistry())
	return New(store, meta, engine, log)
}

func connectPacket(clientID string, cleanSession bool) *packet.ConnectPacket {
	return &packet.ConnectPacket{Version: packet.V4, ClientID: clientID, CleanSession: cleanSession, ReceiveMax: 8}
}

func TestHandleConnectRegistersConnectionAndSession(t *testing.T) {
	b := testBroker(t)
	client, _ := net.Pipe()
	defer client.Close()

	connectID, sessionPresent := b.HandleConnect(connectPacket("c1", true), client)
	assert.False(t, sessionPresent)
	assert.NotZero(t, connectID)

	conn, ok := b.Conn(connectID)
	require.True(t, ok)
	assert.Equal(t, client, conn)

	session, ok := b.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", session.ClientID)
}

func TestHandleConnectCleanSessionClearsPriorSubscriptions(t *testing.T) {
	b := testBroker(t)
	client, _ := net.Pipe()
	defer client.Close()

	b.HandleConnect(connectPacket("c1", true), client)
	b.filters.Add(filterEntry{ClientID: "c1", Filter: "a/b"})

	b.HandleConnect(connectPacket("c1", true), client)
	assert.Empty(t, b.filters.MatchingFilters("a/b"))
}

func TestHandlePublishStoresAndReturnsSuccess(t *testing.T) {
	b := testBroker(t)
	rc := b.HandlePublish(&packet.PublishPacket{Topic: "a/b", QoS: packet.QoSAtMostOnce, Payload: []byte("hi")})
	assert.Equal(t, packet.ReasonSuccess, rc)
}

func TestHandlePublishRetainStoresAndClearsOnEmptyPayload(t *testing.T) {
	b := testBroker(t)
	b.HandlePublish(&packet.PublishPacket{Topic: "a/b", Retain: true, Payload: []byte("hi")})
	assert.Equal(t, 1, b.GetRetainedMessageCount())

	b.HandlePublish(&packet.PublishPacket{Topic: "a/b", Retain: true, Payload: nil})
	assert.Equal(t, 0, b.GetRetainedMessageCount())
}

func TestRepublishToSubscribedTopicKeepsOneSubscriptionEntry(t *testing.T) {
	b := testBroker(t)
	b.filters.Add(filterEntry{ClientID: "c1", Filter: "a/b", QoS: packet.QoSAtMostOnce, Protocol: packet.V4})

	for i := 0; i < 5; i++ {
		b.HandlePublish(&packet.PublishPacket{Topic: "a/b", QoS: packet.QoSAtMostOnce, Payload: []byte("hi")})
	}

	// Subscribing is idempotent on (client, topic): five matching
	// publishes must still leave exactly one subscription table entry
	// for the dispatch engine's supervisor to reconcile into one worker.
	assert.Len(t, b.engine.Table.ListAllExclusive(), 1)
}

func TestHandleSubscribeReturnsSuback(t *testing.T) {
	b := testBroker(t)
	client, _ := net.Pipe()
	defer client.Close()
	connectID, _ := b.HandleConnect(connectPacket("c1", true), client)

	sp := &packet.SubscribePacket{PacketID: 7, Filters: []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtLeastOnce}}}
	suback := b.HandleSubscribe(context.Background(), connectID, "c1", sp, packet.V4)
	require.NotNil(t, suback)
}

func TestHandleUnsubscribeRemovesFilter(t *testing.T) {
	b := testBroker(t)
	b.filters.Add(filterEntry{ClientID: "c1", Filter: "a/b"})

	up := &packet.UnsubscribePacket{PacketID: 3, TopicFilters: []string{"a/b"}}
	unsuback := b.HandleUnsubscribe("c1", up)
	require.NotNil(t, unsuback)
	assert.Empty(t, b.filters.MatchingFilters("a/b"))
}

func TestHandleClientDisconnectCleanSessionTearsDownEverything(t *testing.T) {
	b := testBroker(t)
	client, _ := net.Pipe()
	defer client.Close()
	connectID, _ := b.HandleConnect(connectPacket("c1", true), client)

	b.HandleClientDisconnect(connectID, "c1", true)

	_, ok := b.Get("c1")
	assert.False(t, ok)
	_, ok = b.Conn(connectID)
	assert.False(t, ok)
}

func TestHandleClientDisconnectPersistentSessionKeepsSubscriptions(t *testing.T) {
	b := testBroker(t)
	client, _ := net.Pipe()
	defer client.Close()
	connectID, _ := b.HandleConnect(connectPacket("c1", false), client)
	b.filters.Add(filterEntry{ClientID: "c1", Filter: "a/b"})

	b.HandleClientDisconnect(connectID, "c1", true)

	_, ok := b.Get("c1")
	assert.True(t, ok)
	assert.NotEmpty(t, b.filters.MatchingFilters("a/b"))
}

func TestHandleClientDisconnectUngracefulPublishesWill(t *testing.T) {
	b := testBroker(t)
	store := b.storage.(*fakeStorage)
	client, _ := net.Pipe()
	defer client.Close()

	willTopic, willMessage := "clients/c1/status", "offline"
	cp := connectPacket("c1", true)
	cp.WillTopic = &willTopic
	cp.WillMessage = &willMessage
	connectID, _ := b.HandleConnect(cp, client)

	b.HandleClientDisconnect(connectID, "c1", false)

	recs := store.records[willTopic]
	require.Len(t, recs, 1)
	assert.Equal(t, []byte(willMessage), recs[0].Payload)
}

func TestHandleClientDisconnectGracefulSkipsWill(t *testing.T) {
	b := testBroker(t)
	store := b.storage.(*fakeStorage)
	client, _ := net.Pipe()
	defer client.Close()

	willTopic, willMessage := "clients/c1/status", "offline"
	cp := connectPacket("c1", true)
	cp.WillTopic = &willTopic
	cp.WillMessage = &willMessage
	connectID, _ := b.HandleConnect(cp, client)

	b.HandleClientDisconnect(connectID, "c1", true)

	assert.Empty(t, store.records[willTopic])
}
