package main

import (
	"strings"
	"sync"
	"sync/atomic"
)

// ContainerHandle is the session-local, monotonically increasing identifier
// a Session uses to refer to an open container without resending its full
// name on every command.
type ContainerHandle int64

// containerEntry is what the registry keeps per live container: its name,
// its backend and its global storage id (stable across renames/re-opens
// within a process lifetime). Container handles are kept per Session, not
// here.
type containerEntry struct {
	name      string
	storageID int64
	backend   Backend
}

// ContainerRegistry owns every open container in the process. It mints
// storage ids, forwards every backend mutation into the EventBus keyed by
// storage id, and is the only place that creates or deletes a Backend.
//
// Lock ordering (§5): Registry is always acquired before Subscription and
// before a Session's outbound lock, and the EventBus is never held while
// acquiring the registry.
type ContainerRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*containerEntry
	byID    map[int64]*containerEntry
	nextID  int64
	factory map[string]func(containerType, name string) (Backend, error)
	bus     *EventBus
	dataDir string
}

func NewContainerRegistry(bus *EventBus, dataDir string) *ContainerRegistry {
	r := &ContainerRegistry{
		byName:  make(map[string]*containerEntry),
		byID:    make(map[int64]*containerEntry),
		bus:     bus,
		dataDir: dataDir,
	}
	r.factory = map[string]func(containerType, name string) (Backend, error){
		"volatile_list": func(t, n string) (Backend, error) { return newVolatileList(n) },
		"volatile_map":  func(t, n string) (Backend, error) { return newVolatileMap(n) },
		"persistent_list": func(t, n string) (Backend, error) {
			return newPersistentBackend(t, n, r.dataDir)
		},
		"persistent_map": func(t, n string) (Backend, error) {
			return newPersistentBackend(t, n, r.dataDir)
		},
	}
	return r
}

// CreateContainer creates a new container of containerType, failing if name
// is already in use. spec is currently only meaningful for
// volatile_list/persistent_list ("0" or empty is always accepted; any other
// value on a map container is rejected, per SPEC_FULL.md §5 item 2).
func (r *ContainerRegistry) CreateContainer(name, containerType, spec string) (int64, error) {
	if strings.HasSuffix(containerType, "_map") && spec != "" && spec != "0" {
		return 0, NewTioError(ErrUnsupported, "map containers only accept an empty or \"0\" start_spec")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, NewTioError(ErrAlreadyExists, "container %q already exists", name)
	}

	ctor, ok := r.factory[containerType]
	if !ok {
		return 0, NewTioError(ErrInvalidArgument, "unknown container type %q", containerType)
	}
	backend, err := ctor(containerType, name)
	if err != nil {
		return 0, err
	}

	id := atomic.AddInt64(&r.nextID, 1)
	entry := &containerEntry{name: name, storageID: id, backend: backend}
	r.byName[name] = entry
	r.byID[id] = entry

	backend.Subscribe(func(ev ContainerEvent) {
		ev.StorageID = id
		r.bus.Publish(ev)
	})

	return id, nil
}

// OpenContainer returns the storage id and backend for an existing
// container, creating it with containerType/spec if it doesn't exist yet —
// matching the original dispatcher's "create" command semantics, which is
// really create-or-open.
func (r *ContainerRegistry) OpenContainer(name, containerType, spec string) (int64, Backend, error) {
	r.mu.RLock()
	entry, exists := r.byName[name]
	r.mu.RUnlock()
	if exists {
		return entry.storageID, entry.backend, nil
	}
	id, err := r.CreateContainer(name, containerType, spec)
	if err != nil {
		if terr, ok := err.(*TioError); ok && terr.Kind == ErrAlreadyExists {
			r.mu.RLock()
			entry := r.byName[name]
			r.mu.RUnlock()
			return entry.storageID, entry.backend, nil
		}
		return 0, nil, err
	}
	r.mu.RLock()
	entry = r.byID[id]
	r.mu.RUnlock()
	return id, entry.backend, nil
}

// LookupByID returns the backend for a known storage id.
func (r *ContainerRegistry) LookupByID(id int64) (Backend, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, "", false
	}
	return e.backend, e.name, true
}

// LookupByName returns the backend registered under name.
func (r *ContainerRegistry) LookupByName(name string) (int64, Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return 0, nil, false
	}
	return e.storageID, e.backend, true
}

// DeleteContainer removes a container entirely. Deleting a container that
// belongs to a group does NOT remove it from the group's membership list —
// GroupManager.RemoveContainer is an intentional no-op (§9) so a dangling
// group entry is expected, matching the original C++ server's behavior.
func (r *ContainerRegistry) DeleteContainer(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return NewTioError(ErrNotFound, "container %q not found", name)
	}
	if err := e.backend.Close(); err != nil {
		return err
	}
	delete(r.byName, name)
	delete(r.byID, e.storageID)
	return nil
}

// EnumerateByPrefix lists every container name starting with prefix, in no
// particular order — used by list_handles and by meta-container discovery
// (GroupManager mirrors, __meta__/users, ...).
func (r *ContainerRegistry) EnumerateByPrefix(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.byName {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names
}
