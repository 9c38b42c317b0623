// Package broker wires the protocol codec, the connection/session
// registry and the subscription dispatch engine together behind the
// handlers the transport layer calls per inbound packet. It holds no
// wire-framing logic of its own; internal/packet owns that.
package broker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxmq/broker/internal/logger"
	"github.com/fluxmq/broker/internal/metadata"
	"github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/storage"
	"github.com/fluxmq/broker/internal/subscribe"
)

// retainedMessage is the last message published with the Retain flag set
// on a given topic, replayed to new subscribers whose filter matches it.
type retainedMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

type connEntry struct {
	conn    net.Conn
	version packet.Version
}

// Broker is the glue object cmd/fluxmqd and the transport layer hold a
// reference to: one per process, shared across every connection.
type Broker struct {
	session atomic.Value // sessionMap
	rwmu    sync.Mutex

	connsMu sync.RWMutex
	conns   map[uint64]connEntry

	metadata *metadata.Cache
	storage  storage.Adapter
	engine   *subscribe.Engine
	filters  *FilterRegistry

	retainedMu sync.RWMutex
	retained   map[string]retainedMessage

	log *logger.Logger
}

// New wires a Broker against its storage, metadata cache and dispatch
// engine. The three are constructed in cmd/fluxmqd and passed in so tests
// can substitute fakes for storage and metadata.
func New(store storage.Adapter, meta *metadata.Cache, engine *subscribe.Engine, log *logger.Logger) *Broker {
	b := &Broker{
		conns:    make(map[uint64]connEntry),
		metadata: meta,
		storage:  store,
		engine:   engine,
		filters:  NewFilterRegistry(),
		retained: make(map[string]retainedMessage),
		log:      log,
	}
	b.session.Store(make(sessionMap))
	return b
}

// RegisterConnection associates connectID with the raw connection the
// writer pump sends ResponsePackages to.
func (b *Broker) RegisterConnection(connectID uint64, conn net.Conn, v packet.Version) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	b.conns[connectID] = connEntry{conn: conn, version: v}
}

// UnregisterConnection drops connectID from the writer pump's routing
// table. Safe to call more than once.
func (b *Broker) UnregisterConnection(connectID uint64) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	delete(b.conns, connectID)
}

// Conn resolves connectID to its live net.Conn, used by the writer pump
// draining the engine's response queues.
func (b *Broker) Conn(connectID uint64) (net.Conn, bool) {
	b.connsMu.RLock()
	defer b.connsMu.RUnlock()
	e, ok := b.conns[connectID]
	return e.conn, ok
}

// HandleConnect registers the new connection's identity in the metadata
// cache and the session table, returning the connect_id the writer pump
// and dispatch engine key on, and whether a prior persistent session
// was found.
func (b *Broker) HandleConnect(cp *packet.ConnectPacket, conn net.Conn) (connectID uint64, sessionPresent bool) {
	connectID = b.metadata.NewConnectID()
	b.metadata.Register(connectID, cp.ClientID, cp.ReceiveMax)
	b.RegisterConnection(connectID, conn, cp.Version)

	_, existed := b.Get(cp.ClientID)
	sessionPresent = existed && !cp.CleanSession

	if cp.CleanSession && existed {
		b.Delete(cp.ClientID)
		b.engine.SessionEnded(cp.ClientID)
		b.filters.RemoveClient(cp.ClientID)
	}

	b.Store(cp.ClientID, &Session{
		ClientID:            cp.ClientID,
		CleanSession:        cp.CleanSession,
		WillTopic:           cp.WillTopic,
		WillMessage:         cp.WillMessage,
		WillQoS:             cp.WillQoS,
		WillRetain:          cp.WillRetain,
		KeepAlive:           cp.KeepAlive,
		ConnectionTimestamp: time.Now().Unix(),
		Conn:                conn,
	})

	return connectID, sessionPresent
}

// HandlePublish persists the message and passes every subscription filter
// matching this topic to engine.Subscribe as a concrete worker
// subscription, on every publish (not only the first one to the topic).
// Returns the ack reason code for QoS 1/2 publishes
// (ReasonSuccess unless storage failed).
func (b *Broker) HandlePublish(pub *packet.PublishPacket) packet.ReasonCode {
	rec := storage.Record{
		TopicID: pub.Topic,
		QoS:     byte(pub.QoS),
		Retain:  pub.Retain,
		Payload: pub.Payload,
	}

	if _, err := b.storage.AppendMessage(pub.Topic, rec); err != nil {
		b.log.LogDeliveryAbandoned("", pub.Topic, "append_failed")
		return packet.ReasonUnspecifiedError
	}

	if pub.Retain {
		b.retainedMu.Lock()
		if len(pub.Payload) == 0 {
			delete(b.retained, pub.Topic)
		} else {
			b.retained[pub.Topic] = retainedMessage{Topic: pub.Topic, Payload: pub.Payload, QoS: pub.QoS}
		}
		b.retainedMu.Unlock()
	}

	for _, entry := range b.filters.MatchingFilters(pub.Topic) {
		b.engine.Subscribe(subscribe.Subscription{
			ClientID:          entry.ClientID,
			TopicID:           pub.Topic,
			TopicName:         pub.Topic,
			QoS:               entry.QoS,
			NoLocal:           entry.NoLocal,
			PreserveRetain:    entry.PreserveRetain,
			HasSubscriptionID: entry.HasSubscriptionID,
			SubscriptionID:    entry.SubscriptionID,
			Protocol:          entry.Protocol,
		})
	}

	return packet.ReasonSuccess
}

// HandleSubscribe records clientID's interest in every filter in sp,
// spawning a worker for each topic already known to match, and replays
// any retained message on those topics.
func (b *Broker) HandleSubscribe(ctx context.Context, connectID uint64, clientID string, sp *packet.SubscribePacket, version packet.Version) *packet.SubackPacket {
	for _, f := range sp.Filters {
		entry := filterEntry{
			ClientID:          clientID,
			Filter:            f.Topic,
			QoS:               f.QoS,
			NoLocal:           f.NoLocal,
			PreserveRetain:    f.PreserveRetain,
			HasSubscriptionID: sp.HasSubscription,
			SubscriptionID:    sp.SubscriptionID,
			Protocol:          version,
		}
		b.filters.Add(entry)

		for _, topic := range b.filters.KnownTopics() {
			if !packet.TopicMatches(f.Topic, topic) {
				continue
			}
			b.engine.Subscribe(subscribe.Subscription{
				ClientID:          clientID,
				TopicID:           topic,
				TopicName:         topic,
				QoS:               f.QoS,
				NoLocal:           f.NoLocal,
				PreserveRetain:    f.PreserveRetain,
				HasSubscriptionID: sp.HasSubscription,
				SubscriptionID:    sp.SubscriptionID,
				Protocol:          version,
			})
			b.sendRetained(ctx, connectID, clientID, topic, f, sp, version)
		}
	}

	return packet.NewSubAck(sp)
}

// sendRetained delivers topic's retained message (if any) to the newly
// subscribed client, best-effort and off the SUBSCRIBE response path.
func (b *Broker) sendRetained(ctx context.Context, connectID uint64, clientID, topic string, f packet.SubscribeFilter, sp *packet.SubscribePacket, version packet.Version) {
	b.retainedMu.RLock()
	rm, ok := b.retained[topic]
	b.retainedMu.RUnlock()
	if !ok {
		return
	}

	sub := subscribe.Subscription{
		ClientID:          clientID,
		TopicID:           topic,
		TopicName:         topic,
		QoS:               f.QoS,
		PreserveRetain:    true,
		HasSubscriptionID: sp.HasSubscription,
		SubscriptionID:    sp.SubscriptionID,
		Protocol:          version,
	}
	env, err := subscribe.BuildEnvelope(sub, storage.Record{TopicID: topic, QoS: byte(rm.QoS), Retain: true, Payload: rm.Payload}, b.metadata)
	if err != nil {
		return
	}
	env.Publish.Retain = true

	go func() {
		_, _ = b.engine.Qos.Deliver(ctx, make(chan struct{}), sub, connectID, env)
	}()
}

// HandleUnsubscribe removes clientID's interest in every filter in up.
func (b *Broker) HandleUnsubscribe(clientID string, up *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, filter := range up.TopicFilters {
		b.filters.Remove(clientID, filter)
		for _, topic := range b.filters.KnownTopics() {
			if packet.TopicMatches(filter, topic) {
				b.engine.Unsubscribe(clientID, topic)
			}
		}
	}
	return packet.NewUnsubAck(up)
}

// HandlePubAck, HandlePubRec and HandlePubComp route an inbound ack to
// the dispatch engine's AckRegistry.
func (b *Broker) HandlePubAck(clientID string, p *packet.PubAckPacket) {
	b.engine.HandleAck(clientID, p.PacketID, subscribe.AckResult{PacketType: packet.PUBACK, ReasonCode: p.ReasonCode})
}

func (b *Broker) HandlePubRec(clientID string, p *packet.PubRecPacket) {
	b.engine.HandleAck(clientID, p.PacketID, subscribe.AckResult{PacketType: packet.PUBREC, ReasonCode: p.ReasonCode})
}

func (b *Broker) HandlePubComp(clientID string, p *packet.PubCompPacket) {
	b.engine.HandleAck(clientID, p.PacketID, subscribe.AckResult{PacketType: packet.PUBCOMP, ReasonCode: p.ReasonCode})
}

// HandlePubRel answers an inbound PUBREL (this broker acting as the QoS-2
// receiver of a client's own publish) with a PUBCOMP.
func (b *Broker) HandlePubRel(ctx context.Context, connectID uint64, version packet.Version, p *packet.PubRelPacket) error {
	return b.engine.Qos.HandlePubRel(ctx, version, connectID, p.PacketID)
}

// HandleClientDisconnect tears down connectID's entry in the connection
// registry and, for a clean session, its subscriptions and metadata
// entirely; a persistent session's subscriptions are left in place so
// its push workers stall (rather than vanish) until it reconnects.
// graceful distinguishes a client-initiated DISCONNECT (no Will is
// published) from every other connection loss (read error, EOF, idle
// timeout), which publishes the session's Will message, if any, exactly
// once.
func (b *Broker) HandleClientDisconnect(connectID uint64, clientID string, graceful bool) {
	b.UnregisterConnection(connectID)

	session, ok := b.Get(clientID)
	if ok && !graceful {
		b.publishWill(session)
	}

	if ok && session.CleanSession {
		b.Delete(clientID)
		b.engine.SessionEnded(clientID)
		b.filters.RemoveClient(clientID)
		b.metadata.Forget(connectID)
		return
	}

	b.metadata.Disconnect(connectID)
}

// publishWill routes session's Will message, if set, through the same
// HandlePublish path a client PUBLISH takes, so a disconnected client's
// last-wishes notification gets the same storage, retain, and
// subscriber-fanout treatment as a live message.
func (b *Broker) publishWill(session *Session) {
	if session.WillTopic == nil || session.WillMessage == nil {
		return
	}
	b.HandlePublish(&packet.PublishPacket{
		Topic:   *session.WillTopic,
		QoS:     packet.QoSLevel(session.WillQoS),
		Retain:  session.WillRetain,
		Payload: []byte(*session.WillMessage),
	})
}

// GetRetainedMessageCount returns the number of retained messages held.
func (b *Broker) GetRetainedMessageCount() int {
	b.retainedMu.RLock()
	defer b.retainedMu.RUnlock()
	return len(b.retained)
}
