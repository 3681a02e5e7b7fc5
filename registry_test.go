package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *ContainerRegistry {
	bus := NewEventBus(64, zerolog.Nop())
	return NewContainerRegistry(bus, "")
}

func TestRegistryCreateAndLookup(t *testing.T) {
	r := newTestRegistry()
	id, err := r.CreateContainer("orders", "volatile_list", "")
	require.NoError(t, err)
	assert.NotZero(t, id)

	backend, name, ok := r.LookupByID(id)
	require.True(t, ok)
	assert.Equal(t, "orders", name)
	assert.Equal(t, "volatile_list", backend.Type())

	gotID, gotBackend, ok := r.LookupByName("orders")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Same(t, backend, gotBackend)
}

func TestRegistryCreateDuplicateFails(t *testing.T) {
	r := newTestRegistry()
	_, err := r.CreateContainer("dup", "volatile_list", "")
	require.NoError(t, err)
	_, err = r.CreateContainer("dup", "volatile_list", "")
	require.Error(t, err)
	terr, ok := err.(*TioError)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyExists, terr.Kind)
}

func TestRegistryOpenIsCreateOrOpen(t *testing.T) {
	r := newTestRegistry()
	id1, backend1, err := r.OpenContainer("orders", "volatile_list", "")
	require.NoError(t, err)
	id2, backend2, err := r.OpenContainer("orders", "volatile_list", "")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Same(t, backend1, backend2)
}

func TestRegistryMapContainerRejectsNonZeroSpec(t *testing.T) {
	r := newTestRegistry()
	_, err := r.CreateContainer("m", "volatile_map", "5")
	require.Error(t, err)
	terr, ok := err.(*TioError)
	require.True(t, ok)
	assert.Equal(t, ErrUnsupported, terr.Kind)
}

func TestRegistryDeleteContainer(t *testing.T) {
	r := newTestRegistry()
	id, err := r.CreateContainer("gone", "volatile_list", "")
	require.NoError(t, err)

	require.NoError(t, r.DeleteContainer("gone"))
	_, _, ok := r.LookupByID(id)
	assert.False(t, ok)

	err = r.DeleteContainer("gone")
	assert.Error(t, err)
}

func TestRegistryEnumerateByPrefix(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.CreateContainer("__meta__/sessions", "volatile_map", "")
	_, _ = r.CreateContainer("__meta__/session_last_command", "volatile_map", "")
	_, _ = r.CreateContainer("orders", "volatile_list", "")

	names := r.EnumerateByPrefix("__meta__/")
	assert.ElementsMatch(t, []string{"__meta__/sessions", "__meta__/session_last_command"}, names)
}
