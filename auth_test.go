package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth() (*defaultAuth, *ContainerRegistry) {
	registry := NewContainerRegistry(NewEventBus(64, zerolog.Nop()), "")
	auth := NewDefaultAuth(registry)
	return auth.(*defaultAuth), registry
}

func TestDefaultAuthAddUserBacksMetaContainer(t *testing.T) {
	auth, registry := newTestAuth()
	require.NoError(t, auth.AddUser("alice", "secret"))

	_, backend, ok := registry.LookupByName("__meta__/users/alice")
	require.True(t, ok, "AddUser must register a __meta__/users/<name> container")
	rec, err := backend.Get(StringValueStr(userCredentialKey))
	require.NoError(t, err)
	assert.Equal(t, "secret", rec.Data.String())
}

func TestDefaultAuthAuthenticateChecksStoredToken(t *testing.T) {
	auth, _ := newTestAuth()
	require.NoError(t, auth.AddUser("alice", "secret"))

	assert.NoError(t, auth.Authenticate(nil, "alice", "secret"))
	assert.Error(t, auth.Authenticate(nil, "alice", "wrong"))
	assert.Error(t, auth.Authenticate(nil, "unknown", "secret"))
}

func TestDefaultAuthUsersAreEnumerableViaRegistry(t *testing.T) {
	auth, registry := newTestAuth()
	require.NoError(t, auth.AddUser("alice", "secret"))
	require.NoError(t, auth.AddUser("bob", "hunter2"))

	names := registry.EnumerateByPrefix("__meta__/users/")
	assert.ElementsMatch(t, []string{"__meta__/users/alice", "__meta__/users/bob"}, names)
}

func TestDefaultAuthSetPermissionAndCheckObjectAccess(t *testing.T) {
	auth, _ := newTestAuth()
	require.NoError(t, auth.SetPermission("orders", "alice", false))

	sess := &Session{user: "alice"}
	err := auth.CheckObjectAccess(sess, "orders", "get")
	assert.Error(t, err)

	other := &Session{user: "bob"}
	assert.NoError(t, auth.CheckObjectAccess(other, "orders", "get"))
}
