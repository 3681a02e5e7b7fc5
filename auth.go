package main

import "sync"

// Auth is the external collaborator the Dispatcher consults before running
// any command (§6). A deployment embedding this server can supply its own
// implementation; defaultAuth below is the concrete, in-memory one this
// repository ships so the interface has at least one exercised caller.
type Auth interface {
	Authenticate(s *Session, user, token string) error
	CheckCommandAccess(s *Session, command string) error
	CheckObjectAccess(s *Session, objectName, command string) error
	SetPermission(objectName, user string, allow bool) error
}

// adminOnlyCommands lists commands that require an authenticated session:
// creating and deleting containers, changing group membership or
// permissions, and pause/resume. Reads, subscribes and data writes to
// existing containers (push, pop, set, delete, clear, ...) are allowed
// anonymously, matching the original server's "open by default" posture.
var adminOnlyCommands = map[string]bool{
	"create":           true,
	"delete_container": true,
	"group_add":        true,
	"group_remove":     true,
	"set_permission":   true,
	"pause":            true,
	"resume":           true,
}

// userCredentialKey is the single property every __meta__/users/<name>
// container holds: the bearer token Authenticate compares against.
const userCredentialKey = "token"

// defaultAuth is a minimal Auth backed by one __meta__/users/<name>
// volatile_map container per registered user (§3's Meta-containers list),
// the same one-container-per-name shape GroupManager uses for
// __meta__/groups/<name> (group.go). Credentials are registry state, not a
// private map, so they're enumerable via EnumerateByPrefix/list_handles and
// subscribable like every other meta-container; the registry already exists
// by the time NewDefaultAuth is called in NewServer (server.go), so there is
// no bootstrap ordering problem to work around. Object permissions stay a
// plain in-memory map: the spec's Meta-containers list names users,
// sessions and groups, not a per-object ACL container.
type defaultAuth struct {
	registry *ContainerRegistry
	mu       sync.RWMutex
	perms    map[string]map[string]bool
}

func NewDefaultAuth(registry *ContainerRegistry) Auth {
	return &defaultAuth{
		registry: registry,
		perms:    make(map[string]map[string]bool),
	}
}

func userContainerName(user string) string {
	return "__meta__/users/" + user
}

// AddUser opens (or reuses) user's meta-container and stores token under
// userCredentialKey, mirroring GroupManager.getOrCreate's
// OpenContainer-then-Set shape for __meta__/groups/<name>.
func (a *defaultAuth) AddUser(user, token string) error {
	_, backend, err := a.registry.OpenContainer(userContainerName(user), "volatile_map", "")
	if err != nil {
		return err
	}
	return backend.Set(Record{Key: StringValueStr(userCredentialKey), Data: StringValueStr(token)})
}

func (a *defaultAuth) Authenticate(s *Session, user, token string) error {
	_, backend, ok := a.registry.LookupByName(userContainerName(user))
	if !ok {
		return NewTioError(ErrPermissionDenied, "invalid credentials")
	}
	rec, err := backend.Get(StringValueStr(userCredentialKey))
	if err != nil || rec.Data.String() != token {
		return NewTioError(ErrPermissionDenied, "invalid credentials")
	}
	return nil
}

func (a *defaultAuth) CheckCommandAccess(s *Session, command string) error {
	if adminOnlyCommands[command] && !s.Authorized() {
		return NewTioError(ErrPermissionDenied, "command %q requires authentication", command)
	}
	return nil
}

func (a *defaultAuth) CheckObjectAccess(s *Session, objectName, command string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	perms, ok := a.perms[objectName]
	if !ok {
		return nil // no explicit restriction on this object
	}
	if allow, ok := perms[s.User()]; ok && !allow {
		return NewTioError(ErrPermissionDenied, "user %q denied on %q", s.User(), objectName)
	}
	return nil
}

func (a *defaultAuth) SetPermission(objectName, user string, allow bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perms[objectName] == nil {
		a.perms[objectName] = make(map[string]bool)
	}
	a.perms[objectName][user] = allow
	return nil
}
