package subscribe

import (
	"maps"
	"sync"
)

// SubscriptionTable holds exclusive and shared subscription lists. It
// follows a single-writer/many-readers discipline: reads take an
// atomic-ish snapshot under RLock, writes copy-on-write under Lock.
//
// Shared subscriptions are kept as an interface hook only: this core
// does not round-robin across cluster members (out of scope), so
// ListSharedMembers exists for completeness but the dispatch engine
// never spawns workers for shared entries.
type SubscriptionTable struct {
	mu sync.RWMutex

	// exclusive: client_id -> topic_id -> Subscription
	exclusive map[string]map[string]Subscription

	// shared: (share_name, topic_filter) -> members
	shared map[sharedKey][]Subscription
}

type sharedKey struct {
	ShareName   string
	TopicFilter string
}

// NewSubscriptionTable returns an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		exclusive: make(map[string]map[string]Subscription),
		shared:    make(map[sharedKey][]Subscription),
	}
}

// Add inserts or replaces sub, deduplicating on (client_id, topic_id) by
// keeping the latest.
func (t *SubscriptionTable) Add(sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byTopic, ok := t.exclusive[sub.ClientID]
	if !ok {
		byTopic = make(map[string]Subscription)
	} else {
		updated := make(map[string]Subscription, len(byTopic)+1)
		maps.Copy(updated, byTopic)
		byTopic = updated
	}
	byTopic[sub.TopicID] = sub
	t.exclusive[sub.ClientID] = byTopic
}

// Remove deletes the (clientID, topicID) subscription, if present.
func (t *SubscriptionTable) Remove(clientID, topicID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byTopic, ok := t.exclusive[clientID]
	if !ok {
		return
	}
	if _, present := byTopic[topicID]; !present {
		return
	}
	updated := make(map[string]Subscription, len(byTopic)-1)
	for k, v := range byTopic {
		if k != topicID {
			updated[k] = v
		}
	}
	if len(updated) == 0 {
		delete(t.exclusive, clientID)
		return
	}
	t.exclusive[clientID] = updated
}

// RemoveClient deletes every subscription belonging to clientID, called
// on session end.
func (t *SubscriptionTable) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclusive, clientID)
}

// ListByClient returns a copy of clientID's exclusive subscriptions.
func (t *SubscriptionTable) ListByClient(clientID string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byTopic := t.exclusive[clientID]
	out := make([]Subscription, 0, len(byTopic))
	for _, sub := range byTopic {
		out = append(out, sub)
	}
	return out
}

// ListAllExclusive returns a copy of every exclusive subscription
// currently held, the set the Supervisor reconciles workers against.
func (t *SubscriptionTable) ListAllExclusive() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Subscription
	for _, byTopic := range t.exclusive {
		for _, sub := range byTopic {
			out = append(out, sub)
		}
	}
	return out
}

// AddShared inserts sub into the named share group for topicFilter.
func (t *SubscriptionTable) AddShared(shareName, topicFilter string, sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := sharedKey{ShareName: shareName, TopicFilter: topicFilter}
	members := t.shared[k]
	for i, m := range members {
		if m.ClientID == sub.ClientID {
			members[i] = sub
			t.shared[k] = members
			return
		}
	}
	t.shared[k] = append(members, sub)
}

// ListSharedMembers returns the members of a share group.
func (t *SubscriptionTable) ListSharedMembers(shareName, topicFilter string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Subscription(nil), t.shared[sharedKey{ShareName: shareName, TopicFilter: topicFilter}]...)
}
