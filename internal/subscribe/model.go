// Package subscribe implements the subscription dispatch engine: the
// per-(client, topic) push workers that read committed messages off a
// topic log and drive them through the QoS acknowledgement protocols to
// a connected client, plus the supervisor that keeps worker count in
// sync with live subscriptions.
package subscribe

import (
	"fmt"

	"github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/storage"
)

// Subscription is an immutable per-subscribe-call record. Subscriptions
// for the same (ClientID, TopicID) are deduplicated on the latest by
// SubscriptionTable.Add.
type Subscription struct {
	ClientID       string
	TopicID        string
	TopicName      string
	QoS            packet.QoSLevel
	NoLocal        bool
	PreserveRetain bool

	HasSubscriptionID bool
	SubscriptionID    uint32

	Protocol packet.Version
}

// GroupID derives the consumer-group identifier a Subscription reads
// under: system_sub_{client_id}_{topic_id}.
func (s Subscription) GroupID() string {
	return fmt.Sprintf("system_sub_%s_%s", s.ClientID, s.TopicID)
}

// key identifies a subscription uniquely within SubscriptionTable and a
// push worker within the handle table.
type key struct {
	ClientID string
	TopicID  string
}

// MetadataCache is the capability set the dispatch engine consumes from
// the external connection registry. metadata.Cache implements it.
type MetadataCache interface {
	GetConnectID(clientID string) (uint64, bool)
	IsConnected(connectID uint64) bool
	GetPkid(clientID string) (uint16, bool)
	RemovePkidInfo(clientID string, pkid uint16)
	ReceiveMax(clientID string) uint16
}

// StorageAdapter is the capability set the dispatch engine consumes
// from the persistence layer. storage.Bolt implements it.
type StorageAdapter interface {
	ReadTopicMessages(topicID, groupID string, maxRecords int) ([]storage.Record, error)
	CommitGroupOffset(topicID, groupID string, offset uint64) error
}

// ResponsePackage is what a push worker hands to the TCP writer: a
// fully encoded packet bound for one connection.
type ResponsePackage struct {
	ConnectionID uint64
	Payload      []byte
}
