package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// boltBackend implements persistent_list and persistent_map on top of a
// shared bbolt database, one bucket per container — the same
// bucket-per-entity pattern as a key/value store wrapping bbolt with
// JSON-marshaled records, adapted here to Tio's binary Value encoding so a
// container's on-disk form matches the binary wire form exactly.
//
// Ordering key: list entries use an 8-byte big-endian position as the bolt
// key so bbolt's natural key order is the list order; map entries use the
// record's own Key, binary-encoded, so range scans stay in Value.Compare
// order (bbolt iterates keys in byte order, which matches our encoding for
// int/double/string within a single kind).
type boltBackend struct {
	mu        sync.RWMutex
	db        *bbolt.DB
	bucket    []byte
	isList    bool
	nextPos   int64
	props     map[string]Value
	subs      map[int]EventCallback
	nextSubID int
}

var (
	boltDBOnce sync.Once
	boltDB     *bbolt.DB
	boltDBErr  error
)

func openBoltDB(dataDir string) (*bbolt.DB, error) {
	boltDBOnce.Do(func() {
		boltDB, boltDBErr = bbolt.Open(dataDir+"/tio.bolt", 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	})
	return boltDB, boltDBErr
}

func newPersistentBackend(containerType, name string, dataDir string) (Backend, error) {
	db, err := openBoltDB(dataDir)
	if err != nil {
		return nil, NewTioError(ErrInternal, "opening bolt store: %v", err)
	}
	bucket := []byte(name)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, NewTioError(ErrInternal, "creating bucket %s: %v", name, err)
	}

	b := &boltBackend{
		db:     db,
		bucket: bucket,
		isList: containerType == "persistent_list",
		props:  make(map[string]Value),
		subs:   make(map[int]EventCallback),
	}

	if b.isList {
		_ = db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(bucket).Cursor()
			k, _ := c.Last()
			if k != nil {
				pos, _, _ := DecodeValue(append([]byte{byte(ValueInt)}, k...))
				b.nextPos = pos.I + 1
			}
			return nil
		})
	}
	return b, nil
}

func (b *boltBackend) Type() string {
	if b.isList {
		return "persistent_list"
	}
	return "persistent_map"
}

func (b *boltBackend) publish(ev ContainerEvent) {
	for _, cb := range b.subs {
		cb(ev)
	}
}

func encodeRecord(rec Record) []byte {
	var buf bytes.Buffer
	rec.Key.EncodeBinary(&buf)
	rec.Data.EncodeBinary(&buf)
	rec.Metadata.EncodeBinary(&buf)
	return buf.Bytes()
}

func decodeRecord(data []byte) (Record, error) {
	key, n, err := DecodeValue(data)
	if err != nil {
		return Record{}, err
	}
	data = data[n:]
	val, n, err := DecodeValue(data)
	if err != nil {
		return Record{}, err
	}
	data = data[n:]
	meta, _, err := DecodeValue(data)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Data: val, Metadata: meta}, nil
}

func valueKey(v Value) []byte {
	var buf bytes.Buffer
	v.EncodeBinary(&buf)
	return buf.Bytes()
}

func (b *boltBackend) PushBack(v Record) error {
	if !b.isList {
		return NewTioError(ErrUnsupported, "push_back only valid on list containers")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pos := b.nextPos
	b.nextPos++
	v.Key = IntValue(pos)
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put(valueKey(v.Key), encodeRecord(v))
	}); err != nil {
		return NewTioError(ErrInternal, "%v", err)
	}
	b.publish(ContainerEvent{Kind: EventPushBack, Record: v, Position: pos})
	return nil
}

func (b *boltBackend) PushFront(v Record) error {
	return NewTioError(ErrUnsupported, "persistent_list does not support push_front (append-only log semantics)")
}

func (b *boltBackend) PopBack() (Record, error) {
	if !b.isList {
		return Record{}, NewTioError(ErrUnsupported, "pop_back only valid on list containers")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var rec Record
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		c := bk.Cursor()
		k, v := c.Last()
		if k == nil {
			return NewTioError(ErrNotFound, "list is empty")
		}
		var err error
		rec, err = decodeRecord(v)
		if err != nil {
			return err
		}
		return bk.Delete(k)
	}); err != nil {
		return Record{}, err
	}
	b.publish(ContainerEvent{Kind: EventPopBack, Record: rec})
	return rec, nil
}

func (b *boltBackend) PopFront() (Record, error) {
	return Record{}, NewTioError(ErrUnsupported, "persistent_list does not support pop_front")
}

func (b *boltBackend) Set(rec Record) error {
	if b.isList {
		return NewTioError(ErrUnsupported, "persistent_list does not support set")
	}
	if rec.Key.IsNone() {
		return NewTioError(ErrInvalidArgument, "map set requires a key")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put(valueKey(rec.Key), encodeRecord(rec))
	}); err != nil {
		return NewTioError(ErrInternal, "%v", err)
	}
	b.publish(ContainerEvent{Kind: EventSet, Record: rec})
	return nil
}

func (b *boltBackend) Insert(pos int64, v Record) error {
	if b.isList {
		return NewTioError(ErrUnsupported, "persistent_list only supports push_back")
	}
	return b.Set(v)
}

func (b *boltBackend) Delete(key Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var rec Record
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		raw := bk.Get(valueKey(key))
		if raw == nil {
			return NewTioError(ErrNotFound, "key not found")
		}
		var err error
		rec, err = decodeRecord(raw)
		if err != nil {
			return err
		}
		return bk.Delete(valueKey(key))
	}); err != nil {
		return err
	}
	b.publish(ContainerEvent{Kind: EventDeleteKey, Record: rec})
	return nil
}

func (b *boltBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(b.bucket)
		return err
	}); err != nil {
		return NewTioError(ErrInternal, "%v", err)
	}
	b.nextPos = 0
	b.publish(ContainerEvent{Kind: EventClear})
	return nil
}

func (b *boltBackend) Get(key Value) (Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var rec Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get(valueKey(key))
		if raw == nil {
			return NewTioError(ErrNotFound, "key not found")
		}
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	return rec, err
}

func (b *boltBackend) GetByPosition(pos int64) (Record, error) {
	if !b.isList {
		return Record{}, NewTioError(ErrUnsupported, "get_at only valid on list containers")
	}
	return b.Get(IntValue(pos))
}

func (b *boltBackend) Count() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(b.bucket).Stats().KeyN)
		return nil
	})
	return n, err
}

func (b *boltBackend) PropGet(name string) (Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.props[name]; ok {
		return v, nil
	}
	return NoneValue(), NewTioError(ErrNotFound, "property %q not set", name)
}

func (b *boltBackend) PropSet(name string, v Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[name] = v
	b.publish(ContainerEvent{Kind: EventPropertySet, Record: Record{Key: StringValueStr(name), Data: v}})
	return nil
}

func (b *boltBackend) Snapshot(ctx context.Context, fn func(Record) bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

func (b *boltBackend) Subscribe(cb EventCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *boltBackend) Close() error { return nil } // shared *bbolt.DB is closed by the server, not per-container
