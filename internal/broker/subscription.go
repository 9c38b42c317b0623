package broker

import (
	"sync"

	"github.com/fluxmq/broker/internal/packet"
)

// filterEntry is one client's SUBSCRIBE to a topic filter, kept around
// so a wildcard filter can be matched against topics discovered later
// through PUBLISH.
type filterEntry struct {
	ClientID          string
	Filter            string
	QoS               packet.QoSLevel
	NoLocal           bool
	PreserveRetain    bool
	HasSubscriptionID bool
	SubscriptionID    uint32
	Protocol          packet.Version
}

// FilterRegistry resolves SUBSCRIBE topic filters (which may carry MQTT
// wildcards) against the concrete topics the dispatch engine's
// SubscriptionTable is keyed on. A concrete (no-wildcard) filter maps
// directly to a topic_id; a wildcard filter is kept here and expanded
// against every topic PUBLISH introduces, lazily growing the set of
// per-(client, topic) subscriptions the Supervisor spawns workers for.
type FilterRegistry struct {
	mu      sync.RWMutex
	filters map[string][]filterEntry // client_id -> its filter entries
	topics  map[string]struct{}      // every topic name ever published to
}

// NewFilterRegistry returns an empty registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{
		filters: make(map[string][]filterEntry),
		topics:  make(map[string]struct{}),
	}
}

// Add records clientID's subscription to filter, replacing any existing
// entry for the same (client, filter) pair.
func (r *FilterRegistry) Add(entry filterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.filters[entry.ClientID]
	for i, e := range existing {
		if e.Filter == entry.Filter {
			existing[i] = entry
			return
		}
	}
	r.filters[entry.ClientID] = append(existing, entry)
}

// Remove deletes clientID's subscription to filter, if present.
func (r *FilterRegistry) Remove(clientID, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.filters[clientID]
	for i, e := range existing {
		if e.Filter == filter {
			r.filters[clientID] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}

// RemoveClient deletes every filter belonging to clientID.
func (r *FilterRegistry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, clientID)
}

// MatchingFilters records topicName as a known topic and returns every
// recorded filter entry whose pattern matches it. HandlePublish calls it
// on every PUBLISH and turns each match into a concrete subscription.
func (r *FilterRegistry) MatchingFilters(topicName string) []filterEntry {
	r.mu.Lock()
	if _, seen := r.topics[topicName]; !seen {
		r.topics[topicName] = struct{}{}
	}
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []filterEntry
	for _, entries := range r.filters {
		for _, e := range entries {
			if packet.TopicMatches(e.Filter, topicName) {
				matches = append(matches, e)
			}
		}
	}
	return matches
}

// KnownTopics returns every topic name ever seen via PUBLISH, used to
// resolve a freshly added wildcard filter against topics that already
// exist.
func (r *FilterRegistry) KnownTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}
