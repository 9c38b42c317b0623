package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/er"
)

func openTestDB(t *testing.T) *Bolt {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendMessageAssignsMonotonicOffsets(t *testing.T) {
	db := openTestDB(t)

	o1, err := db.AppendMessage("t/1", Record{ClientID: "pub-1", Payload: []byte("a")})
	require.NoError(t, err)
	o2, err := db.AppendMessage("t/1", Record{ClientID: "pub-1", Payload: []byte("b")})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), o1)
	assert.Equal(t, uint64(1), o2)
}

func TestReadTopicMessagesResumesAtCommittedOffset(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 5; i++ {
		_, err := db.AppendMessage("t/1", Record{ClientID: "pub-1", Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	group := "system_sub_client-a_t/1"

	records, err := db.ReadTopicMessages("t/1", group, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(0), records[0].Offset)
	assert.Equal(t, uint64(2), records[2].Offset)

	require.NoError(t, db.CommitGroupOffset("t/1", group, 3))

	rest, err := db.ReadTopicMessages("t/1", group, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, uint64(3), rest[0].Offset)
	assert.Equal(t, uint64(4), rest[1].Offset)
}

func TestCommitGroupOffsetIsMonotonicAndIdempotent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.CommitGroupOffset("t/1", "g1", 10))
	got, err := db.CommittedOffset("t/1", "g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)

	// Lower-or-equal commit is a no-op.
	require.NoError(t, db.CommitGroupOffset("t/1", "g1", 4))
	got, err = db.CommittedOffset("t/1", "g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)

	require.NoError(t, db.CommitGroupOffset("t/1", "g1", 11))
	got, err = db.CommittedOffset("t/1", "g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got)
}

func TestKVRoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.KVSet("foo", []byte("bar")))
	v, err := db.KVGet("foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("bar"), v)

	require.NoError(t, db.KVDelete("foo"))
	_, err = db.KVGet("foo")
	assert.ErrorIs(t, err, er.ErrKeyNotFound)
}
