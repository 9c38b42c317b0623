package subscribe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/packet"
)

func TestSubscriptionTableAddDeduplicatesOnLatest(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t1", QoS: packet.QoSAtMostOnce})
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t1", QoS: packet.QoSExactlyOnce})

	subs := tbl.ListByClient("c1")
	require.Len(t, subs, 1)
	assert.Equal(t, packet.QoSExactlyOnce, subs[0].QoS)
}

func TestSubscriptionTableRemove(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t1"})
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t2"})

	tbl.Remove("c1", "t1")
	subs := tbl.ListByClient("c1")
	require.Len(t, subs, 1)
	assert.Equal(t, "t2", subs[0].TopicID)
}

func TestSubscriptionTableRemoveClient(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t1"})
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t2"})
	tbl.Add(Subscription{ClientID: "c2", TopicID: "t1"})

	tbl.RemoveClient("c1")

	assert.Empty(t, tbl.ListByClient("c1"))
	assert.Len(t, tbl.ListAllExclusive(), 1)
}

func TestSubscriptionTableListAllExclusive(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.Add(Subscription{ClientID: "c1", TopicID: "t1"})
	tbl.Add(Subscription{ClientID: "c2", TopicID: "t1"})

	all := tbl.ListAllExclusive()
	assert.Len(t, all, 2)
}

func TestSubscriptionTableSharedMembers(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.AddShared("grp", "/t", Subscription{ClientID: "c1", TopicID: "t1"})
	tbl.AddShared("grp", "/t", Subscription{ClientID: "c2", TopicID: "t1"})
	tbl.AddShared("grp", "/t", Subscription{ClientID: "c1", TopicID: "t1", QoS: packet.QoSExactlyOnce})

	members := tbl.ListSharedMembers("grp", "/t")
	require.Len(t, members, 2)
}

func TestGroupID(t *testing.T) {
	sub := Subscription{ClientID: "abc", TopicID: "123"}
	assert.Equal(t, "system_sub_abc_123", sub.GroupID())
}
