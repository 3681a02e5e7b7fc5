package main

import (
	"context"
	"fmt"
)

// ErrorKind classifies container/dispatcher failures the way the codec and
// the text/binary protocols report them back to a Session (§7).
type ErrorKind int

const (
	ErrInternal ErrorKind = iota
	ErrNotFound
	ErrInvalidArgument
	ErrUnsupported
	ErrAlreadyExists
	ErrPermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "not_found"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrUnsupported:
		return "unsupported"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrPermissionDenied:
		return "permission_denied"
	default:
		return "internal"
	}
}

// TioError is the typed error every container and dispatcher operation
// returns, so the Codec can translate it into a protocol error code without
// string matching.
type TioError struct {
	Kind ErrorKind
	Msg  string
}

func (e *TioError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func NewTioError(kind ErrorKind, format string, args ...interface{}) *TioError {
	return &TioError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// EventKind identifies what changed in a container, mirroring the original
// TioTcpServer's EventInfo operations (push_back, push_front, pop_back,
// pop_front, set, delete_key, clear, insert).
type EventKind int

const (
	EventPushBack EventKind = iota
	EventPushFront
	EventPopBack
	EventPopFront
	EventSet
	EventDeleteKey
	EventClear
	EventInsert
	EventPropertySet
	// EventSnapshot and EventSnapshotEnd are synthetic: the SubscriptionTable
	// emits them directly to a session's outbound queue while replaying a
	// container's contents (§4.5); they never pass through the EventBus or
	// the append log, since a snapshot replays existing state rather than
	// mutating it.
	EventSnapshot
	EventSnapshotEnd
)

func (k EventKind) String() string {
	switch k {
	case EventPushBack:
		return "push_back"
	case EventPushFront:
		return "push_front"
	case EventPopBack:
		return "pop_back"
	case EventPopFront:
		return "pop_front"
	case EventSet:
		return "set"
	case EventDeleteKey:
		return "delete"
	case EventClear:
		return "clear"
	case EventInsert:
		return "insert"
	case EventPropertySet:
		return "prop_set"
	case EventSnapshot:
		return "snapshot"
	case EventSnapshotEnd:
		return "snapshot_end"
	default:
		return "unknown"
	}
}

// ContainerEvent describes a single mutation, enough for a subscriber to
// apply the change to its own view or for the append log to persist it.
type ContainerEvent struct {
	Kind       EventKind
	StorageID  int64
	Record     Record
	Position   int64
}

// EventCallback is invoked synchronously, under the backend's own lock, for
// every mutation — matching the original's "publish while the container
// mutex is held" ordering so subscribers never observe events out of order.
type EventCallback func(ContainerEvent)

// Backend is the external, uniform interface every container type
// implements. volatile_list/volatile_map/persistent_list/persistent_map are
// the concrete Backends this repository ships (container_volatile.go,
// container_bolt.go); a deployment may plug in others as long as they
// satisfy this contract.
type Backend interface {
	Type() string

	PushBack(v Record) error
	PushFront(v Record) error
	PopBack() (Record, error)
	PopFront() (Record, error)

	Set(rec Record) error
	Insert(pos int64, v Record) error
	Delete(key Value) error
	Clear() error

	Get(key Value) (Record, error)
	GetByPosition(pos int64) (Record, error)
	Count() (int64, error)

	PropGet(name string) (Value, error)
	PropSet(name string, v Value) error

	// Snapshot walks every record in the container's natural order. fn
	// returns false to stop early (used by query/query_ex range limits).
	Snapshot(ctx context.Context, fn func(Record) bool) error

	// Subscribe registers cb to be invoked for every future mutation and
	// returns a function that removes the registration.
	Subscribe(cb EventCallback) (unsubscribe func())

	Close() error
}

// BackendFactory constructs a Backend for a given type string ("volatile_list",
// "volatile_map", "persistent_list", "persistent_map") and container name.
type BackendFactory func(containerType, name string) (Backend, error)
