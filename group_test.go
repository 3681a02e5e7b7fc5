package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroupManager() (*ContainerRegistry, *SubscriptionTable, *GroupManager) {
	bus := NewEventBus(64, zerolog.Nop())
	registry := NewContainerRegistry(bus, "")
	subs := NewSubscriptionTable(zerolog.Nop())
	return registry, subs, NewGroupManager(registry, subs)
}

func TestGroupSubscribeJoinsExistingMembers(t *testing.T) {
	registry, subs, gm := newTestGroupManager()

	_, err := registry.CreateContainer("orders", "volatile_list", "")
	require.NoError(t, err)
	require.NoError(t, gm.AddContainer("warehouse", "orders"))

	sess, _ := newTestSession(t)
	require.NoError(t, gm.Subscribe(context.Background(), "warehouse", sess, registry, subs, ""))

	// one subscription for the mirror, one for the existing member
	ordersID, _, ok := registry.LookupByName("orders")
	require.True(t, ok)
	assert.Equal(t, 1, subs.Count(ordersID))
}

func TestGroupAddContainerFansOutToExistingSubscribers(t *testing.T) {
	registry, subs, gm := newTestGroupManager()

	sess, _ := newTestSession(t)
	require.NoError(t, gm.Subscribe(context.Background(), "warehouse", sess, registry, subs, ""))

	_, err := registry.CreateContainer("orders", "volatile_list", "")
	require.NoError(t, err)
	require.NoError(t, gm.AddContainer("warehouse", "orders"))

	ordersID, _, ok := registry.LookupByName("orders")
	require.True(t, ok)
	assert.Equal(t, 1, subs.Count(ordersID))
}

func TestGroupRemoveContainerIsNoOp(t *testing.T) {
	_, _, gm := newTestGroupManager()
	// must not panic and has no observable effect
	gm.RemoveContainer("warehouse", "orders")
}
