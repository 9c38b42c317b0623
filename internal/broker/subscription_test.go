package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluxmq/broker/internal/packet"
)

func TestFilterRegistryAddDedupesByClientAndFilter(t *testing.T) {
	r := NewFilterRegistry()
	r.Add(filterEntry{ClientID: "c1", Filter: "a/b", QoS: packet.QoSAtMostOnce})
	r.Add(filterEntry{ClientID: "c1", Filter: "a/b", QoS: packet.QoSAtLeastOnce})

	r.MatchingFilters("a/b")
	matches := r.MatchingFilters("a/b")
	assert.Len(t, matches, 1)
	assert.Equal(t, packet.QoSAtLeastOnce, matches[0].QoS)
}

func TestFilterRegistryMatchingFiltersWildcard(t *testing.T) {
	r := NewFilterRegistry()
	r.Add(filterEntry{ClientID: "c1", Filter: "sensors/+/temp"})
	r.Add(filterEntry{ClientID: "c2", Filter: "sensors/#"})
	r.Add(filterEntry{ClientID: "c3", Filter: "other/topic"})

	matches := r.MatchingFilters("sensors/room1/temp")
	ids := make(map[string]bool)
	for _, m := range matches {
		ids[m.ClientID] = true
	}
	assert.True(t, ids["c1"])
	assert.True(t, ids["c2"])
	assert.False(t, ids["c3"])
}

func TestFilterRegistryKnownTopicsRecordsEveryPublish(t *testing.T) {
	r := NewFilterRegistry()
	r.MatchingFilters("a/b")
	r.MatchingFilters("c/d")
	r.MatchingFilters("a/b")

	assert.ElementsMatch(t, []string{"a/b", "c/d"}, r.KnownTopics())
}

func TestFilterRegistryRemove(t *testing.T) {
	r := NewFilterRegistry()
	r.Add(filterEntry{ClientID: "c1", Filter: "a/b"})
	r.Remove("c1", "a/b")

	assert.Empty(t, r.MatchingFilters("a/b"))
}

func TestFilterRegistryRemoveClient(t *testing.T) {
	r := NewFilterRegistry()
	r.Add(filterEntry{ClientID: "c1", Filter: "a/b"})
	r.Add(filterEntry{ClientID: "c1", Filter: "c/d"})
	r.RemoveClient("c1")

	assert.Empty(t, r.MatchingFilters("a/b"))
	assert.Empty(t, r.MatchingFilters("c/d"))
}
