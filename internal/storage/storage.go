// Package storage is the persistence boundary the dispatch core treats
// as an external collaborator: a bbolt-backed key/value store plus an
// append-only per-topic message log with per-(topic, group) committed
// offsets. The message logs, the committed group offsets and the KV
// bucket all live in the bbolt file and survive a restart; connection
// metadata and subscriptions are not stored here.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fluxmq/broker/internal/er"
)

var (
	bucketKV      = []byte("kv")
	bucketOffsets = []byte("offsets")
	bucketTopics  = []byte("topics") // one nested bucket per topic_id, keyed by big-endian offset
)

// Record is a message as stored in a topic log. Offsets are monotonic
// per topic.
type Record struct {
	Offset    uint64 `json:"offset"`
	ClientID  string `json:"client_id"`
	TopicID   string `json:"topic_id"`
	QoS       byte   `json:"qos"`
	Retain    bool   `json:"retain"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Adapter is the capability set the dispatch core consumes:
// read_topic_message, commit_group_offset, kv_get/kv_set/kv_delete.
type Adapter interface {
	ReadTopicMessages(topicID, groupID string, maxRecords int) ([]Record, error)
	CommitGroupOffset(topicID, groupID string, offset uint64) error
	AppendMessage(topicID string, rec Record) (uint64, error)
	KVGet(key string) ([]byte, error)
	KVSet(key string, value []byte) error
	KVDelete(key string) error
	Close() error
}

// Bolt is an Adapter backed by go.etcd.io/bbolt.
type Bolt struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and
// ensures the top-level buckets exist.
func Open(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &er.Err{Context: "storage.Open", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKV, bucketOffsets, bucketTopics} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &er.Err{Context: "storage.Open", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func offsetKey(topicID, groupID string) []byte {
	return []byte(topicID + "\x00" + groupID)
}

// AppendMessage appends rec to topicID's log, assigning it the next
// monotonic offset (ignoring any offset already set on rec).
func (b *Bolt) AppendMessage(topicID string, rec Record) (uint64, error) {
	var assigned uint64

	err := b.db.Update(func(tx *bolt.Tx) error {
		topics := tx.Bucket(bucketTopics)
		topicBucket, err := topics.CreateBucketIfNotExists([]byte(topicID))
		if err != nil {
			return err
		}

		seq, err := topicBucket.NextSequence()
		if err != nil {
			return err
		}
		assigned = seq - 1 // NextSequence starts at 1; offsets start at 0
		rec.Offset = assigned
		rec.TopicID = topicID

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return topicBucket.Put(encodeOffset(assigned), data)
	})
	if err != nil {
		return 0, &er.Err{Context: "storage.AppendMessage", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}

	return assigned, nil
}

// ReadTopicMessages returns up to maxRecords contiguous records starting
// from the committed offset for (topicID, groupID). Returns an empty
// slice, not an error, when the log is caught up.
func (b *Bolt) ReadTopicMessages(topicID, groupID string, maxRecords int) ([]Record, error) {
	var records []Record

	err := b.db.View(func(tx *bolt.Tx) error {
		topics := tx.Bucket(bucketTopics)
		topicBucket := topics.Bucket([]byte(topicID))
		if topicBucket == nil {
			return nil
		}

		offsets := tx.Bucket(bucketOffsets)
		committed := decodeOffset(offsets.Get(offsetKey(topicID, groupID)))

		c := topicBucket.Cursor()
		start := encodeOffset(committed)
		for k, v := c.Seek(start); k != nil && len(records) < maxRecords; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// A malformed record must not wedge the reader: skip it,
				// the caller will still advance past it via commit.
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, &er.Err{Context: "storage.ReadTopicMessages", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}

	return records, nil
}

// CommitGroupOffset persists the committed read position for
// (topicID, groupID). A commit with a lower-or-equal offset than the
// current one is a no-op, making commits idempotent and safe under
// out-of-order calls.
func (b *Bolt) CommitGroupOffset(topicID, groupID string, offset uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		offsets := tx.Bucket(bucketOffsets)
		key := offsetKey(topicID, groupID)
		current := decodeOffset(offsets.Get(key))
		if offset <= current {
			return nil
		}
		return offsets.Put(key, encodeOffset(offset))
	})
	if err != nil {
		return &er.Err{Context: "storage.CommitGroupOffset", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}
	return nil
}

// CommittedOffset returns the current committed offset for
// (topicID, groupID), or 0 if none has been committed yet.
func (b *Bolt) CommittedOffset(topicID, groupID string) (uint64, error) {
	var offset uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		offsets := tx.Bucket(bucketOffsets)
		offset = decodeOffset(offsets.Get(offsetKey(topicID, groupID)))
		return nil
	})
	if err != nil {
		return 0, &er.Err{Context: "storage.CommittedOffset", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}
	return offset, nil
}

func (b *Bolt) KVGet(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return er.ErrKeyNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Bolt) KVSet(key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return &er.Err{Context: "storage.KVSet", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}
	return nil
}

func (b *Bolt) KVDelete(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return &er.Err{Context: "storage.KVDelete", Message: fmt.Errorf("%w: %v", er.ErrStorageUnavailable, err)}
	}
	return nil
}

func encodeOffset(offset uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, offset)
	return buf
}

func decodeOffset(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}
