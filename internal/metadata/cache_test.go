package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	c := New()
	id := c.NewConnectID()
	c.Register(id, "client-a", 8)

	got, ok := c.GetConnectID("client-a")
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.True(t, c.IsConnected(id))
	assert.Equal(t, uint16(8), c.ReceiveMax("client-a"))
}

func TestDisconnectKeepsMappingButMarksUnconnected(t *testing.T) {
	c := New()
	id := c.NewConnectID()
	c.Register(id, "client-a", 8)
	c.Disconnect(id)

	got, ok := c.GetConnectID("client-a")
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.False(t, c.IsConnected(id))
}

func TestForgetRemovesMapping(t *testing.T) {
	c := New()
	id := c.NewConnectID()
	c.Register(id, "client-a", 8)
	c.Forget(id)

	_, ok := c.GetConnectID("client-a")
	assert.False(t, ok)
	assert.False(t, c.IsConnected(id))
}

func TestGetPkidSkipsZeroAndInFlight(t *testing.T) {
	c := New()
	id := c.NewConnectID()
	c.Register(id, "client-a", 2)

	p1, ok := c.GetPkid("client-a")
	require.True(t, ok)
	assert.Equal(t, uint16(1), p1)

	p2, ok := c.GetPkid("client-a")
	require.True(t, ok)
	assert.Equal(t, uint16(2), p2)
	assert.NotEqual(t, p1, p2)

	// receive_max is 2: a third allocation without release must fail.
	_, ok = c.GetPkid("client-a")
	assert.False(t, ok)

	c.RemovePkidInfo("client-a", p1)
	p3, ok := c.GetPkid("client-a")
	require.True(t, ok)
	assert.Equal(t, p1, p3)
}

func TestGetPkidUnknownClient(t *testing.T) {
	c := New()
	_, ok := c.GetPkid("ghost")
	assert.False(t, ok)
}
