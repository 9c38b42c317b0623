// Package metadata holds the broker-wide connection registry the
// subscription dispatch core treats as an external, read-mostly
// collaborator: it answers "is this client still connected?" and "what
// pkid did CONNECT negotiate?" without the dispatch core ever touching a
// net.Conn directly.
package metadata

import (
	"maps"
	"sync"
	"sync/atomic"
)

// connectInfo is everything the dispatch core needs about a live
// connection, keyed by the connect_id assigned at accept time.
type connectInfo struct {
	ClientID     string
	ReceiveMax   uint16
	Connected    bool
	NextPkid     uint16
	InFlightPkid map[uint16]struct{}
}

type clientMap map[string]uint64    // client_id -> connect_id
type connectMap map[uint64]connectInfo // connect_id -> info

// Cache is the in-memory metadata cache. Reads are lock-free via
// atomic.Value snapshots copied on write, matching the session store in
// the broker package; writes take rwmu so concurrent Set* calls don't
// race on the copy-then-store sequence.
type Cache struct {
	rwmu     sync.RWMutex
	clients  atomic.Value // clientMap
	connects atomic.Value // connectMap
	nextID   atomic.Uint64
}

// New returns an empty metadata cache.
func New() *Cache {
	c := &Cache{}
	c.clients.Store(make(clientMap))
	c.connects.Store(make(connectMap))
	return c
}

// NewConnectID allocates the next connect_id for a freshly accepted
// transport connection, before CONNECT has been parsed.
func (c *Cache) NewConnectID() uint64 {
	return c.nextID.Add(1)
}

// Register records a successful CONNECT: connectID now maps to
// clientID, with receiveMax pkids available for in-flight QoS1/2
// deliveries.
func (c *Cache) Register(connectID uint64, clientID string, receiveMax uint16) {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	clients := c.clients.Load().(clientMap)
	updatedClients := make(clientMap, len(clients)+1)
	maps.Copy(updatedClients, clients)
	updatedClients[clientID] = connectID

	connects := c.connects.Load().(connectMap)
	updatedConnects := make(connectMap, len(connects)+1)
	maps.Copy(updatedConnects, connects)
	updatedConnects[connectID] = connectInfo{
		ClientID:     clientID,
		ReceiveMax:   receiveMax,
		Connected:    true,
		NextPkid:     1,
		InFlightPkid: make(map[uint16]struct{}),
	}

	c.clients.Store(updatedClients)
	c.connects.Store(updatedConnects)
}

// Disconnect marks connectID as no longer live. The client_id mapping
// and in-flight pkid set are kept so a push worker mid-delivery can
// still observe the old in-flight state; Forget drops them entirely.
func (c *Cache) Disconnect(connectID uint64) {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	connects := c.connects.Load().(connectMap)
	info, ok := connects[connectID]
	if !ok {
		return
	}
	info.Connected = false

	updated := make(connectMap, len(connects))
	maps.Copy(updated, connects)
	updated[connectID] = info
	c.connects.Store(updated)
}

// Forget removes all record of connectID and its client_id mapping,
// called once session cleanup (clean-session semantics) has run.
func (c *Cache) Forget(connectID uint64) {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	connects := c.connects.Load().(connectMap)
	info, ok := connects[connectID]
	if !ok {
		return
	}

	updatedConnects := make(connectMap, len(connects))
	maps.Copy(updatedConnects, connects)
	delete(updatedConnects, connectID)
	c.connects.Store(updatedConnects)

	clients := c.clients.Load().(clientMap)
	if clients[info.ClientID] == connectID {
		updatedClients := make(clientMap, len(clients))
		maps.Copy(updatedClients, clients)
		delete(updatedClients, info.ClientID)
		c.clients.Store(updatedClients)
	}
}

// GetConnectID returns the connect_id currently bound to clientID, the
// ExclusivePushWorker capability used to re-resolve a client on every
// delivery attempt since clients reconnect under a new connect_id.
func (c *Cache) GetConnectID(clientID string) (uint64, bool) {
	clients := c.clients.Load().(clientMap)
	id, ok := clients[clientID]
	return id, ok
}

// IsConnected reports whether connectID is a live, authenticated
// connection right now.
func (c *Cache) IsConnected(connectID uint64) bool {
	connects := c.connects.Load().(connectMap)
	info, ok := connects[connectID]
	return ok && info.Connected
}

// ReceiveMax returns the receive_max negotiated at CONNECT for
// clientID, or 0 if the client is unknown.
func (c *Cache) ReceiveMax(clientID string) uint16 {
	connectID, ok := c.GetConnectID(clientID)
	if !ok {
		return 0
	}
	connects := c.connects.Load().(connectMap)
	return connects[connectID].ReceiveMax
}

// GetPkid allocates the next packet identifier for clientID, skipping
// zero and any value already in that client's in-flight set, wrapping
// modulo 65535. Returns ok=false when the in-flight set has reached
// receive_max (PkidExhausted at the caller).
func (c *Cache) GetPkid(clientID string) (uint16, bool) {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	connectID, ok := c.clients.Load().(clientMap)[clientID]
	if !ok {
		return 0, false
	}
	connects := c.connects.Load().(connectMap)
	info, ok := connects[connectID]
	if !ok {
		return 0, false
	}

	if len(info.InFlightPkid) >= int(info.ReceiveMax) {
		return 0, false
	}

	candidate := info.NextPkid
	for {
		if candidate == 0 {
			candidate = 1
		}
		if _, taken := info.InFlightPkid[candidate]; !taken {
			break
		}
		candidate++
	}

	updatedInFlight := make(map[uint16]struct{}, len(info.InFlightPkid)+1)
	maps.Copy(updatedInFlight, info.InFlightPkid)
	updatedInFlight[candidate] = struct{}{}
	info.InFlightPkid = updatedInFlight
	next := candidate + 1
	if next == 0 {
		next = 1
	}
	info.NextPkid = next

	updated := make(connectMap, len(connects))
	maps.Copy(updated, connects)
	updated[connectID] = info
	c.connects.Store(updated)

	return candidate, true
}

// RemovePkidInfo releases pkid back to clientID's pool once its ack
// round-trip has completed (PUBACK for QoS1, PUBCOMP for QoS2).
func (c *Cache) RemovePkidInfo(clientID string, pkid uint16) {
	c.rwmu.Lock()
	defer c.rwmu.Unlock()

	connectID, ok := c.clients.Load().(clientMap)[clientID]
	if !ok {
		return
	}
	connects := c.connects.Load().(connectMap)
	info, ok := connects[connectID]
	if !ok {
		return
	}
	if _, present := info.InFlightPkid[pkid]; !present {
		return
	}

	updatedInFlight := make(map[uint16]struct{}, len(info.InFlightPkid))
	maps.Copy(updatedInFlight, info.InFlightPkid)
	delete(updatedInFlight, pkid)
	info.InFlightPkid = updatedInFlight

	updated := make(connectMap, len(connects))
	maps.Copy(updated, connects)
	updated[connectID] = info
	c.connects.Store(updated)
}
