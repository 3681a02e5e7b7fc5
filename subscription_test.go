package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	srv := &Server{config: Config{MaxCommandsPerSec: 1000}}
	sess := NewSession(1, serverConn, ProtocolText, srv)
	return sess, clientConn
}

func drainEvent(t *testing.T, sess *Session) []byte {
	t.Helper()
	select {
	case frame := <-sess.outbound:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeEmptySpecIsLiveOnlyButSignalsSnapshotEnd(t *testing.T) {
	b, _ := newVolatileList("l")
	require.NoError(t, b.PushBack(Record{Data: IntValue(1)}))

	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "")
	require.NoError(t, err)

	frame := drainEvent(t, sess)
	assert.Contains(t, string(frame), "snapshot_end")
}

func TestSubscribeFromBeginningReplaysThenSnapshotEnd(t *testing.T) {
	b, _ := newVolatileList("l")
	require.NoError(t, b.PushBack(Record{Data: IntValue(10)}))
	require.NoError(t, b.PushBack(Record{Data: IntValue(20)}))

	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "0")
	require.NoError(t, err)

	first := string(drainEvent(t, sess))
	second := string(drainEvent(t, sess))
	third := string(drainEvent(t, sess))

	assert.Contains(t, first, "10")
	assert.Contains(t, second, "20")
	assert.Contains(t, third, "snapshot_end")
}

func TestSubscribeSkipsLeadingRecordsForPositiveSpec(t *testing.T) {
	b, _ := newVolatileList("l")
	for i := int64(0); i < 5; i++ {
		require.NoError(t, b.PushBack(Record{Data: IntValue(i)}))
	}

	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "3")
	require.NoError(t, err)

	first := string(drainEvent(t, sess))
	second := string(drainEvent(t, sess))
	third := string(drainEvent(t, sess))

	assert.Contains(t, first, "3")
	assert.Contains(t, second, "4")
	assert.Contains(t, third, "snapshot_end")
}

func TestSubscribeNegativeSpecIsTailRelative(t *testing.T) {
	b, _ := newVolatileList("l")
	for i := int64(0); i < 5; i++ {
		require.NoError(t, b.PushBack(Record{Data: IntValue(i)}))
	}

	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "-2")
	require.NoError(t, err)

	first := string(drainEvent(t, sess))
	second := string(drainEvent(t, sess))
	third := string(drainEvent(t, sess))

	assert.Contains(t, first, "3")
	assert.Contains(t, second, "4")
	assert.Contains(t, third, "snapshot_end")
}

func TestSubscribeMapRejectsNonZeroSpec(t *testing.T) {
	b, _ := newVolatileMap("m")
	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "5")
	require.Error(t, err)
	terr, ok := err.(*TioError)
	require.True(t, ok)
	assert.Equal(t, ErrUnsupported, terr.Kind)
}

func TestSubscribeIsIdempotentPerSession(t *testing.T) {
	b, _ := newVolatileList("l")
	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	info1, err := table.Subscribe(context.Background(), b, 1, sess, "")
	require.NoError(t, err)
	drainEvent(t, sess)

	info2, err := table.Subscribe(context.Background(), b, 1, sess, "")
	require.NoError(t, err)
	assert.Same(t, info1, info2)
	assert.Equal(t, 1, table.Count(1))
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	b, _ := newVolatileList("l")
	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "")
	require.NoError(t, err)
	drainEvent(t, sess)

	table.Unsubscribe(1, sess)
	assert.Equal(t, 0, table.Count(1))
}

func TestDispatchDeliversLiveEventsAfterSnapshotEnd(t *testing.T) {
	b, _ := newVolatileList("l")
	sess, _ := newTestSession(t)
	table := NewSubscriptionTable(zerolog.Nop())

	_, err := table.Subscribe(context.Background(), b, 1, sess, "")
	require.NoError(t, err)
	drainEvent(t, sess) // snapshot_end

	table.Dispatch(ContainerEvent{Kind: EventPushBack, StorageID: 1, Record: Record{Data: IntValue(99)}})
	frame := string(drainEvent(t, sess))
	assert.Contains(t, frame, "99")
}
