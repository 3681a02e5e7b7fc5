package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltPersistentListPushBackAndGet(t *testing.T) {
	dir := t.TempDir()
	b, err := newPersistentBackend("persistent_list", "plist", dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.PushBack(Record{Data: IntValue(1)}))
	require.NoError(t, b.PushBack(Record{Data: IntValue(2)}))

	n, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rec, err := b.GetByPosition(0)
	require.NoError(t, err)
	assert.True(t, rec.Data.Equal(IntValue(1)))

	popped, err := b.PopBack()
	require.NoError(t, err)
	assert.True(t, popped.Data.Equal(IntValue(2)))
}

func TestBoltPersistentListUnsupportedOps(t *testing.T) {
	dir := t.TempDir()
	b, err := newPersistentBackend("persistent_list", "plist2", dir)
	require.NoError(t, err)
	defer b.Close()

	assert.Error(t, b.PushFront(Record{}))
	_, err = b.PopFront()
	assert.Error(t, err)
	assert.Error(t, b.Set(Record{Key: IntValue(0)}))
}

func TestBoltPersistentMapSetGetDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := newPersistentBackend("persistent_map", "pmap", dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set(Record{Key: StringValueStr("a"), Data: IntValue(1)}))
	rec, err := b.Get(StringValueStr("a"))
	require.NoError(t, err)
	assert.True(t, rec.Data.Equal(IntValue(1)))

	require.NoError(t, b.Delete(StringValueStr("a")))
	_, err = b.Get(StringValueStr("a"))
	assert.Error(t, err)
}

func TestBoltPersistentListClearResetsPosition(t *testing.T) {
	dir := t.TempDir()
	b, err := newPersistentBackend("persistent_list", "plist3", dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.PushBack(Record{Data: IntValue(1)}))
	require.NoError(t, b.Clear())
	require.NoError(t, b.PushBack(Record{Data: IntValue(2)}))

	rec, err := b.GetByPosition(0)
	require.NoError(t, err)
	assert.True(t, rec.Data.Equal(IntValue(2)))
}

func TestBoltPersistentMapSnapshotOrder(t *testing.T) {
	dir := t.TempDir()
	b, err := newPersistentBackend("persistent_map", "pmap2", dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set(Record{Key: StringValueStr("b"), Data: IntValue(2)}))
	require.NoError(t, b.Set(Record{Key: StringValueStr("a"), Data: IntValue(1)}))

	var keys []string
	err = b.Snapshot(context.Background(), func(r Record) bool {
		keys = append(keys, r.Key.String())
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}
