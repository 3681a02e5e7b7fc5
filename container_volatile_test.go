package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolatileListPushPopOrder(t *testing.T) {
	b, err := newVolatileList("l")
	require.NoError(t, err)

	require.NoError(t, b.PushBack(Record{Data: IntValue(1)}))
	require.NoError(t, b.PushBack(Record{Data: IntValue(2)}))
	require.NoError(t, b.PushFront(Record{Data: IntValue(0)}))

	count, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	rec, err := b.GetByPosition(0)
	require.NoError(t, err)
	assert.True(t, rec.Data.Equal(IntValue(0)))

	front, err := b.PopFront()
	require.NoError(t, err)
	assert.True(t, front.Data.Equal(IntValue(0)))

	back, err := b.PopBack()
	require.NoError(t, err)
	assert.True(t, back.Data.Equal(IntValue(2)))
}

func TestVolatileListPopEmptyErrors(t *testing.T) {
	b, _ := newVolatileList("l")
	_, err := b.PopBack()
	require.Error(t, err)
	terr, ok := err.(*TioError)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, terr.Kind)
}

func TestVolatileListInsertAt(t *testing.T) {
	b, _ := newVolatileList("l")
	require.NoError(t, b.PushBack(Record{Data: IntValue(1)}))
	require.NoError(t, b.PushBack(Record{Data: IntValue(3)}))
	require.NoError(t, b.Insert(1, Record{Data: IntValue(2)}))

	for i, want := range []int64{1, 2, 3} {
		rec, err := b.GetByPosition(int64(i))
		require.NoError(t, err)
		assert.True(t, rec.Data.Equal(IntValue(want)))
	}
}

func TestVolatileListUnsupportedOps(t *testing.T) {
	b, _ := newVolatileList("l")
	assert.Error(t, b.Set(Record{}))
	assert.Error(t, b.Delete(IntValue(0)))
	_, err := b.Get(IntValue(0))
	assert.Error(t, err)
}

func TestVolatileListSubscribeReceivesEvents(t *testing.T) {
	b, _ := newVolatileList("l")
	var events []ContainerEvent
	unsub := b.Subscribe(func(ev ContainerEvent) { events = append(events, ev) })
	defer unsub()

	require.NoError(t, b.PushBack(Record{Data: IntValue(1)}))
	require.NoError(t, b.Clear())

	require.Len(t, events, 2)
	assert.Equal(t, EventPushBack, events[0].Kind)
	assert.Equal(t, EventClear, events[1].Kind)
}

func TestVolatileListSnapshotStopsEarly(t *testing.T) {
	b, _ := newVolatileList("l")
	for i := int64(0); i < 5; i++ {
		require.NoError(t, b.PushBack(Record{Data: IntValue(i)}))
	}
	var seen []int64
	err := b.Snapshot(context.Background(), func(r Record) bool {
		seen = append(seen, r.Data.I)
		return len(seen) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, seen)
}

func TestVolatileMapSetGetDelete(t *testing.T) {
	b, _ := newVolatileMap("m")
	require.NoError(t, b.Set(Record{Key: StringValueStr("a"), Data: IntValue(1)}))
	require.NoError(t, b.Set(Record{Key: StringValueStr("b"), Data: IntValue(2)}))

	rec, err := b.Get(StringValueStr("a"))
	require.NoError(t, err)
	assert.True(t, rec.Data.Equal(IntValue(1)))

	require.NoError(t, b.Delete(StringValueStr("a")))
	_, err = b.Get(StringValueStr("a"))
	assert.Error(t, err)
}

func TestVolatileMapSetRequiresKey(t *testing.T) {
	b, _ := newVolatileMap("m")
	err := b.Set(Record{Data: IntValue(1)})
	require.Error(t, err)
	terr, ok := err.(*TioError)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidArgument, terr.Kind)
}

func TestVolatileMapOrderedSnapshot(t *testing.T) {
	b, _ := newVolatileMap("m")
	require.NoError(t, b.Set(Record{Key: StringValueStr("c"), Data: IntValue(3)}))
	require.NoError(t, b.Set(Record{Key: StringValueStr("a"), Data: IntValue(1)}))
	require.NoError(t, b.Set(Record{Key: StringValueStr("b"), Data: IntValue(2)}))

	var keys []string
	err := b.Snapshot(context.Background(), func(r Record) bool {
		keys = append(keys, r.Key.String())
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestVolatileMapUnsupportedOps(t *testing.T) {
	b, _ := newVolatileMap("m")
	assert.Error(t, b.PushBack(Record{}))
	assert.Error(t, b.PushFront(Record{}))
	_, err := b.PopBack()
	assert.Error(t, err)
	_, err = b.PopFront()
	assert.Error(t, err)
}

func TestVolatileMapProps(t *testing.T) {
	b, _ := newVolatileMap("m")
	_, err := b.PropGet("missing")
	assert.Error(t, err)

	require.NoError(t, b.PropSet("ttl", IntValue(60)))
	v, err := b.PropGet("ttl")
	require.NoError(t, err)
	assert.True(t, v.Equal(IntValue(60)))
}
