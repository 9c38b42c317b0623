package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmq/broker/internal/er"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	return s
}

func TestAuthenticateSucceedsWithCorrectPassword(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateUser("alice", "hunter2"))

	assert.NoError(t, s.Authenticate("alice", "hunter2"))
}

func TestAuthenticateFailsWithWrongPassword(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateUser("alice", "hunter2"))

	err := s.Authenticate("alice", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, er.ErrInvalidPassword)
}

func TestAuthenticateFailsForUnknownUser(t *testing.T) {
	s := testStore(t)

	err := s.Authenticate("nobody", "whatever")
	require.Error(t, err)
	assert.ErrorIs(t, err, er.ErrUserNotFound)
}

func TestCreateUserReplacesExistingPassword(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.CreateUser("alice", "first"))
	require.NoError(t, s.CreateUser("alice", "second"))

	assert.Error(t, s.Authenticate("alice", "first"))
	assert.NoError(t, s.Authenticate("alice", "second"))
}
