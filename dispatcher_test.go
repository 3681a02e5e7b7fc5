package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(auth Auth) (*Dispatcher, *ContainerRegistry) {
	bus := NewEventBus(64, zerolog.Nop())
	registry := NewContainerRegistry(bus, "")
	subs := NewSubscriptionTable(zerolog.Nop())
	groups := NewGroupManager(registry, subs)
	return NewDispatcher(registry, subs, groups, auth, zerolog.Nop()), registry
}

func TestDispatcherCreateOpenPushGet(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	handle, err := cmdCreate(d, sess, Command{Args: []Value{StringValueStr("orders"), StringValueStr("volatile_list")}})
	require.NoError(t, err)

	_, err = cmdPushBack(d, sess, Command{Args: []Value{handle, IntValue(42)}})
	require.NoError(t, err)

	v, err := cmdGetAt(d, sess, Command{Args: []Value{handle, IntValue(0)}})
	require.NoError(t, err)
	assert.True(t, v.Equal(IntValue(42)))

	n, err := cmdCount(d, sess, Command{Args: []Value{handle}})
	require.NoError(t, err)
	assert.True(t, n.Equal(IntValue(1)))
}

func TestDispatcherOpenUnknownContainerFails(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)
	_, err := cmdOpen(d, sess, Command{Args: []Value{StringValueStr("nope")}})
	require.Error(t, err)
}

func TestDispatcherModifyRequiresExistingKey(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	handle, err := cmdCreate(d, sess, Command{Args: []Value{StringValueStr("m"), StringValueStr("volatile_map")}})
	require.NoError(t, err)

	_, err = cmdModify(d, sess, Command{Args: []Value{handle, StringValueStr("k"), IntValue(1)}})
	require.Error(t, err, "modify must fail when the key does not already exist")

	_, err = cmdSet(d, sess, Command{Args: []Value{handle, StringValueStr("k"), IntValue(1)}})
	require.NoError(t, err)

	_, err = cmdModify(d, sess, Command{Args: []Value{handle, StringValueStr("k"), IntValue(2)}})
	require.NoError(t, err)

	v, err := cmdGet(d, sess, Command{Args: []Value{handle, StringValueStr("k")}})
	require.NoError(t, err)
	assert.True(t, v.Equal(IntValue(2)))
}

func TestDispatcherCloseCancelsSubscription(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	handle, err := cmdCreate(d, sess, Command{Args: []Value{StringValueStr("l"), StringValueStr("volatile_list")}})
	require.NoError(t, err)

	_, err = cmdSubscribe(d, sess, Command{Args: []Value{handle}})
	require.NoError(t, err)
	drainEvent(t, sess) // snapshot_end

	storageID, ok := sess.StorageIDForHandle(ContainerHandle(handle.I))
	require.True(t, ok)
	assert.Equal(t, 1, d.subs.Count(storageID))

	_, err = cmdClose(d, sess, Command{Args: []Value{handle}})
	require.NoError(t, err)
	assert.Equal(t, 0, d.subs.Count(storageID))
}

func TestDispatcherQueryExFiltersRange(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	handle, err := cmdCreate(d, sess, Command{Args: []Value{StringValueStr("m"), StringValueStr("volatile_map")}})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := cmdSet(d, sess, Command{Args: []Value{handle, StringValueStr(k), StringValueStr(k)}})
		require.NoError(t, err)
	}

	resultHandle, err := cmdQueryEx(d, sess, Command{Args: []Value{handle, StringValueStr("b"), StringValueStr("d")}})
	require.NoError(t, err)

	n, err := cmdCount(d, sess, Command{Args: []Value{resultHandle}})
	require.NoError(t, err)
	assert.True(t, n.Equal(IntValue(2))) // b, c but not d (end exclusive) or a (before start)
}

func TestDispatcherPingVersion(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)
	v, err := cmdPing(d, sess, Command{})
	require.NoError(t, err)
	assert.Equal(t, "pong", v.String())

	v, err = cmdVersion(d, sess, Command{})
	require.NoError(t, err)
	assert.NotEmpty(t, v.String())
}

func TestDispatcherHandleRejectsUnauthenticatedAdminCommand(t *testing.T) {
	auth := NewDefaultAuth(nil)
	d, _ := newTestDispatcher(auth)
	sess, _ := newTestSession(t)

	d.Handle(sess, Command{ID: 1, Name: "create", Args: []Value{StringValueStr("x"), StringValueStr("volatile_list")}})
	frame := string(drainEvent(t, sess))
	assert.Contains(t, frame, "error")
	assert.Contains(t, frame, "permission_denied")
}

func TestDispatcherHandleAllowsAfterAuth(t *testing.T) {
	authRegistry := NewContainerRegistry(NewEventBus(64, zerolog.Nop()), "")
	auth := NewDefaultAuth(authRegistry)
	da := auth.(*defaultAuth)
	require.NoError(t, da.AddUser("alice", "secret"))
	d, _ := newTestDispatcher(auth)
	sess, _ := newTestSession(t)

	d.Handle(sess, Command{ID: 1, Name: "auth", Args: []Value{StringValueStr("alice"), StringValueStr("secret")}})
	drainEvent(t, sess)

	d.Handle(sess, Command{ID: 2, Name: "create", Args: []Value{StringValueStr("x"), StringValueStr("volatile_list")}})
	frame := string(drainEvent(t, sess))
	assert.Contains(t, frame, "ok")
}

func TestDispatcherHandleUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)
	d.Handle(sess, Command{ID: 5, Name: "frobnicate"})
	frame := string(drainEvent(t, sess))
	assert.Contains(t, frame, "error")
}

func TestDispatcherPauseResumeTogglesNatsFlag(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	var paused bool
	d.SetNatsPauseFlag(func(p bool) { paused = p })

	_, err := cmdPause(d, sess, Command{})
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = cmdResume(d, sess, Command{})
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestDispatcherWaitAndPopNextWakesOnPush(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	handle, err := cmdCreate(d, sess, Command{Args: []Value{StringValueStr("q"), StringValueStr("volatile_list")}})
	require.NoError(t, err)

	resultCh := make(chan Value, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := cmdWaitAndPopNext(d, sess, Command{Args: []Value{handle}})
		resultCh <- v
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = cmdPushBack(d, sess, Command{Args: []Value{handle, IntValue(7)}})
	require.NoError(t, err)

	select {
	case v := <-resultCh:
		require.NoError(t, <-errCh)
		assert.True(t, v.Equal(IntValue(7)))
	case <-time.After(2 * time.Second):
		t.Fatal("wait_and_pop_next did not wake on push")
	}
}

func TestDispatcherGroupAddAndSubscribe(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	sess, _ := newTestSession(t)

	handle, err := cmdCreate(d, sess, Command{Args: []Value{StringValueStr("orders"), StringValueStr("volatile_list")}})
	require.NoError(t, err)
	_ = handle

	_, err = cmdGroupAdd(d, sess, Command{Args: []Value{StringValueStr("warehouse"), StringValueStr("orders")}})
	require.NoError(t, err)

	otherSess, _ := newTestSession(t)
	_, err = cmdGroupSubscribe(d, otherSess, Command{Args: []Value{StringValueStr("warehouse")}})
	require.NoError(t, err)
}
