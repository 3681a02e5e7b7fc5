package main

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SnapshotState tracks where a subscription is in the
// Pending -> Streaming -> Live state machine (§9): a new subscriber first
// receives a full snapshot of the container's current contents, then
// transitions to receiving live events, without missing or duplicating
// anything mutated while the snapshot was being streamed.
type SnapshotState int

const (
	SnapshotPending SnapshotState = iota
	SnapshotStreaming
	SnapshotLive
)

// SubscriptionInfo is heap-allocated and referenced by pointer from the
// SubscriptionTable's per-container slice, exactly so a slice append/resize
// never invalidates a reference a Session still holds — the Go analogue of
// the original's shared_ptr<SubscriptionInfo>.
type SubscriptionInfo struct {
	mu         sync.Mutex
	Session    *Session
	StorageID  int64
	State      SnapshotState
	LastRev    int64 // last revision number delivered, for gap detection
	pendingBuf []ContainerEvent
}

func (s *SubscriptionInfo) setState(st SnapshotState) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

func (s *SubscriptionInfo) getState() SnapshotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SubscriptionTable maps storage_id -> list of subscribers, the structure
// the Publisher consults on every event. Lock ordering (§5): acquired after
// the ContainerRegistry and before a Session's outbound lock.
type SubscriptionTable struct {
	mu     sync.RWMutex
	byID   map[int64][]*SubscriptionInfo
	logger zerolog.Logger
}

func NewSubscriptionTable(logger zerolog.Logger) *SubscriptionTable {
	return &SubscriptionTable{byID: make(map[int64][]*SubscriptionInfo), logger: logger}
}

// Subscribe registers sess for storageID's events, honoring start_spec
// (§4.2): empty replays no records, only the snapshot_end marker, before the
// subscriber goes Live; "0" or a positive integer starts the snapshot at that position; a
// negative integer counts back from the end (list containers only). Map
// containers only accept an empty or "0" spec — anything else is rejected,
// per the resolved Open Question in §5 (reject rather than silently ignore).
//
// Subscribing twice for the same (session, storage_id) is idempotent: the
// existing SubscriptionInfo is returned and no second snapshot is started.
func (t *SubscriptionTable) Subscribe(ctx context.Context, backend Backend, storageID int64, sess *Session, startSpec string) (*SubscriptionInfo, error) {
	if strings.HasSuffix(backend.Type(), "_map") && startSpec != "" && startSpec != "0" {
		return nil, NewTioError(ErrUnsupported, "map containers only accept an empty or \"0\" start_spec")
	}

	t.mu.Lock()
	for _, info := range t.byID[storageID] {
		if info.Session == sess {
			t.mu.Unlock()
			return info, nil
		}
	}
	info := &SubscriptionInfo{Session: sess, StorageID: storageID, State: SnapshotPending}
	t.byID[storageID] = append(t.byID[storageID], info)
	t.mu.Unlock()

	go t.streamSnapshot(ctx, backend, info, startSpec)
	return info, nil
}

// resolveStartPosition turns a start_spec into a zero-based record index to
// begin streaming from: "" and "0" mean the beginning, a positive integer
// skips that many leading records, a negative integer counts back from the
// container's current length (clamped to zero for a too-large magnitude).
func resolveStartPosition(backend Backend, spec string) int64 {
	if spec == "" || spec == "0" {
		return 0
	}
	n, err := strconv.ParseInt(spec, 10, 64)
	if err != nil || n >= 0 {
		return n
	}
	count, err := backend.Count()
	if err != nil {
		return 0
	}
	start := count + n
	if start < 0 {
		start = 0
	}
	return start
}

// streamSnapshot replays backend's contents from startSpec onward, then
// fires a snapshot_end marker and flushes whatever live events arrived
// while streaming was in progress, in the order they arrived — this is the
// ordering invariant §4.5/§9 describe: a subscriber never sees a live event
// interleaved ahead of (or instead of) part of its own snapshot.
//
// An empty startSpec means "live only": no container records are walked at
// all, but snapshot_end still fires before the subscriber goes Live (§8
// Boundary), so a client can always wait for one marker regardless of
// whether it asked for history.
func (t *SubscriptionTable) streamSnapshot(ctx context.Context, backend Backend, info *SubscriptionInfo, startSpec string) {
	info.setState(SnapshotStreaming)

	if startSpec != "" {
		startPos := resolveStartPosition(backend, startSpec)
		var idx int64
		err := backend.Snapshot(ctx, func(rec Record) bool {
			if !info.Session.Alive() {
				return false
			}
			pos := idx
			idx++
			if pos < startPos {
				return true
			}
			info.Session.sendEvent(ContainerEvent{Kind: EventSnapshot, StorageID: info.StorageID, Record: rec, Position: pos})
			return true
		})
		if err != nil {
			t.logger.Warn().Err(err).Int64("storage_id", info.StorageID).Msg("snapshot stream failed")
		}
	}

	info.Session.sendEvent(ContainerEvent{Kind: EventSnapshotEnd, StorageID: info.StorageID})

	// Flush under info.mu so Dispatch cannot send a newer live event ahead
	// of the buffered ones once the state reads Live.
	info.mu.Lock()
	for _, ev := range info.pendingBuf {
		info.Session.sendEvent(ev)
	}
	info.pendingBuf = nil
	info.State = SnapshotLive
	info.mu.Unlock()
}

// Unsubscribe removes sess's subscription to storageID, if any.
func (t *SubscriptionTable) Unsubscribe(storageID int64, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.byID[storageID]
	for i, info := range list {
		if info.Session == sess {
			t.byID[storageID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription held by sess, called when a
// Session disconnects.
func (t *SubscriptionTable) UnsubscribeAll(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, list := range t.byID {
		filtered := list[:0]
		for _, info := range list {
			if info.Session != sess {
				filtered = append(filtered, info)
			}
		}
		t.byID[id] = filtered
	}
}

// Dispatch delivers ev to every subscriber of ev.StorageID. A subscriber
// still in Pending or Streaming gets ev appended to its pendingBuf instead of
// its outbound channel directly, so the eventual snapshot_end-then-buffered-
// events flush (streamSnapshot) is the only place live events reach such a
// subscriber — preserving snapshot-then-live ordering even though Dispatch
// and streamSnapshot run concurrently.
func (t *SubscriptionTable) Dispatch(ev ContainerEvent) {
	t.mu.RLock()
	subs := append([]*SubscriptionInfo(nil), t.byID[ev.StorageID]...)
	t.mu.RUnlock()

	for _, info := range subs {
		info.mu.Lock()
		if info.State != SnapshotLive {
			info.pendingBuf = append(info.pendingBuf, ev)
			info.mu.Unlock()
			continue
		}
		info.LastRev++
		info.mu.Unlock()
		info.Session.sendEvent(ev)
	}
}

// Count returns the number of subscribers on a container, used by status
// reporting and tests.
func (t *SubscriptionTable) Count(storageID int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID[storageID])
}
