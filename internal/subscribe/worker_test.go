package subscribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/storage"
)

type fakeStorage struct {
	mu        sync.Mutex
	records   map[string][]storage.Record
	committed map[string]uint64
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{records: make(map[string][]storage.Record), committed: make(map[string]uint64)}
}

func (f *fakeStorage) seed(topicID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.records[topicID] = append(f.records[topicID], storage.Record{
			Offset:   uint64(len(f.records[topicID])),
			ClientID: "pub-1",
			TopicID:  topicID,
			QoS:      byte(packet.QoSAtMostOnce),
			Payload:  []byte{byte(i)},
		})
	}
}

func (f *fakeStorage) ReadTopicMessages(topicID, groupID string, maxRecords int) ([]storage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	committed := f.committed[topicID+"/"+groupID]
	all := f.records[topicID]

	var out []storage.Record
	for _, rec := range all {
		if rec.Offset < committed {
			continue
		}
		out = append(out, rec)
		if len(out) == maxRecords {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) CommitGroupOffset(topicID, groupID string, offset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := topicID + "/" + groupID
	if offset > f.committed[key] {
		f.committed[key] = offset
	}
	return nil
}

func (f *fakeStorage) committedOffset(topicID, groupID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed[topicID+"/"+groupID]
}

func TestExclusivePushWorkerDeliversQoS0InOrder(t *testing.T) {
	st := newFakeStorage()
	st.seed("t1", 5)

	md := newFakeMetadata()
	md.register("c1", 1, 8)

	queues := NewResponseQueues(16)
	acks := NewAckRegistry()
	qos := NewQosProtocol(acks, queues, md, testCfg(), testLogger())

	sub := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtMostOnce, Protocol: packet.V4}
	worker := NewExclusivePushWorker(sub, st, md, qos, testCfg(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)

	require.Eventually(t, func() bool {
		return st.committedOffset("t1", sub.GroupID()) == 5
	}, time.Second, 5*time.Millisecond)

	worker.Stop()
	assert.Len(t, queues.V4, 5)
}

func TestExclusivePushWorkerStallsWhenDisconnected(t *testing.T) {
	st := newFakeStorage()
	st.seed("t1", 2)

	md := newFakeMetadata()
	// Not registered: GetConnectID returns false, so the worker must stall.

	queues := NewResponseQueues(16)
	acks := NewAckRegistry()
	qos := NewQosProtocol(acks, queues, md, testCfg(), testLogger())

	sub := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtMostOnce, Protocol: packet.V4}
	worker := NewExclusivePushWorker(sub, st, md, qos, testCfg(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), st.committedOffset("t1", sub.GroupID()))

	worker.Stop()
	cancel()
}

func TestExclusivePushWorkerStopDoesNotCommitMidFlight(t *testing.T) {
	st := newFakeStorage()
	st.seed("t1", 1)

	md := newFakeMetadata()
	md.register("c1", 1, 8)

	queues := NewResponseQueues(0) // unbuffered: the send blocks until something reads (seeded records are QoS 0, so the effective QoS is 0)
	acks := NewAckRegistry()
	qos := NewQosProtocol(acks, queues, md, testCfg(), testLogger())

	sub := Subscription{ClientID: "c1", TopicID: "t1", TopicName: "/t", QoS: packet.QoSAtLeastOnce, Protocol: packet.V4}
	worker := NewExclusivePushWorker(sub, st, md, qos, testCfg(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	worker.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), st.committedOffset("t1", sub.GroupID()))
}
