package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// commandHandler executes one dispatcher command and returns either a
// result Value (sent back as an answer) or an error (sent back as an
// error frame). This mirrors the original TioTcpServer's
// map<string, CommandCallbackFunction> dispatch table, built once at
// construction instead of via member-function pointers.
type commandHandler func(d *Dispatcher, s *Session, cmd Command) (Value, error)

// Dispatcher is the command table gating every client request against the
// ContainerRegistry, SubscriptionTable, GroupManager and Auth collaborator.
// It never touches the network directly — Session.dispatchLoop hands it a
// parsed Command (through the worker pool) and Handle enqueues the reply on
// the session.
type Dispatcher struct {
	registry *ContainerRegistry
	subs     *SubscriptionTable
	groups   *GroupManager
	auth     Auth
	logger   zerolog.Logger
	table    map[string]commandHandler

	// natsPauseFlag, when set by the Server, toggles the NATS JetStream
	// fanout sink on and off in response to the pause/resume commands.
	natsPauseFlag func(paused bool)
}

// SetNatsPauseFlag wires the pause/resume commands to the server's additive
// NATS fanout sink. Left nil (the default) when no NATS sink is configured,
// in which case pause/resume are accepted but have no effect.
func (d *Dispatcher) SetNatsPauseFlag(fn func(paused bool)) {
	d.natsPauseFlag = fn
}

func NewDispatcher(registry *ContainerRegistry, subs *SubscriptionTable, groups *GroupManager, auth Auth, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{registry: registry, subs: subs, groups: groups, auth: auth, logger: logger}
	d.table = map[string]commandHandler{
		"auth":                  cmdAuth,
		"set_permission":        cmdSetPermission,
		"create":                cmdCreate,
		"open":                  cmdOpen,
		"close":                 cmdClose,
		"delete_container":      cmdDeleteContainer,
		"push_back":             cmdPushBack,
		"push_front":            cmdPushFront,
		"pop_back":              cmdPopBack,
		"pop_front":             cmdPopFront,
		"set":                   cmdSet,
		"insert":                cmdInsert,
		"delete":                cmdDelete,
		"clear":                 cmdClear,
		"get":                   cmdGet,
		"get_record_by_position": cmdGetAt,
		"get_count":             cmdCount,
		"propget":               cmdPropGet,
		"propset":               cmdPropSet,
		"modify":                cmdModify,
		"subscribe":             cmdSubscribe,
		"unsubscribe":           cmdUnsubscribe,
		"wait_and_pop_next":     cmdWaitAndPopNext,
		"query":                 cmdQuery,
		"query_ex":              cmdQueryEx,
		"list_handles":          cmdListHandles,
		"group_add":             cmdGroupAdd,
		"group_remove":          cmdGroupRemove,
		"group_subscribe":       cmdGroupSubscribe,
		"ping":                  cmdPing,
		"version":               cmdVersion,
		"pause":                 cmdPause,
		"resume":                cmdResume,
	}
	return d
}

// Handle looks up cmd.Name and runs it, translating the result into the
// session's wire protocol and enqueuing the reply. Unknown commands and
// commands the session may not run (Auth.CheckCommandAccess) never reach the
// handler table. Object-level permissions (Auth.CheckObjectAccess) are not
// checked here: only the create and delete_container handlers consult them,
// and every other command runs without an object check.
func (d *Dispatcher) Handle(s *Session, cmd Command) {
	handler, ok := d.table[cmd.Name]
	if !ok {
		s.enqueue(s.codec.EncodeError(cmd.ID, NewTioError(ErrInvalidArgument, "unknown command %q", cmd.Name)))
		return
	}

	if d.auth != nil {
		if err := d.auth.CheckCommandAccess(s, cmd.Name); err != nil {
			s.enqueue(s.codec.EncodeError(cmd.ID, err))
			return
		}
	}

	result, err := handler(d, s, cmd)
	if err != nil {
		s.enqueue(s.codec.EncodeError(cmd.ID, err))
		return
	}
	s.enqueue(s.codec.EncodeAnswer(cmd.ID, result))
}

// resolveByHandle looks up the backend for a command's first argument,
// which for every per-container command is a container handle (ValueInt)
// already registered on this session; any other kind is rejected.
func (d *Dispatcher) resolveByHandle(s *Session, arg Value) (Backend, int64, error) {
	if arg.Kind != ValueInt {
		return nil, 0, NewTioError(ErrInvalidArgument, "expected a container handle")
	}
	storageID, ok := s.StorageIDForHandle(ContainerHandle(arg.I))
	if !ok {
		return nil, 0, NewTioError(ErrInvalidArgument, "unknown handle %d", arg.I)
	}
	backend, _, ok := d.registry.LookupByID(storageID)
	if !ok {
		return nil, 0, NewTioError(ErrNotFound, "container no longer exists")
	}
	return backend, storageID, nil
}

func cmdAuth(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "auth requires user and token")
	}
	user := cmd.Args[0].String()
	token := cmd.Args[1].String()
	if d.auth == nil {
		return Value{}, NewTioError(ErrUnsupported, "no auth collaborator configured")
	}
	if err := d.auth.Authenticate(s, user, token); err != nil {
		return Value{}, err
	}
	s.SetUser(user)
	return StringValueStr("ok"), nil
}

func cmdCreate(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "create requires name and type")
	}
	name := cmd.Args[0].String()
	containerType := cmd.Args[1].String()
	spec := ""
	if len(cmd.Args) > 2 {
		spec = cmd.Args[2].String()
	}
	if d.auth != nil {
		if err := d.auth.CheckObjectAccess(s, name, "create"); err != nil {
			return Value{}, err
		}
	}
	storageID, backend, err := d.registry.OpenContainer(name, containerType, spec)
	if err != nil {
		return Value{}, err
	}
	_ = backend
	handle := s.RegisterContainer(storageID)
	return IntValue(int64(handle)), nil
}

func cmdOpen(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 1 {
		return Value{}, NewTioError(ErrInvalidArgument, "open requires a name")
	}
	name := cmd.Args[0].String()
	storageID, _, ok := d.registry.LookupByName(name)
	if !ok {
		return Value{}, NewTioError(ErrNotFound, "container %q not found", name)
	}
	return IntValue(int64(s.RegisterContainer(storageID))), nil
}

func cmdDeleteContainer(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 1 {
		return Value{}, NewTioError(ErrInvalidArgument, "delete_container requires a name")
	}
	name := cmd.Args[0].String()
	if d.auth != nil {
		if err := d.auth.CheckObjectAccess(s, name, "delete_container"); err != nil {
			return Value{}, err
		}
	}
	return NoneValue(), d.registry.DeleteContainer(name)
}

func cmdPushBack(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "push_back requires handle and value")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	rec := Record{Data: cmd.Args[1]}
	if len(cmd.Args) > 2 {
		rec.Metadata = cmd.Args[2]
	}
	return NoneValue(), backend.PushBack(rec)
}

func cmdPushFront(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "push_front requires handle and value")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	rec := Record{Data: cmd.Args[1]}
	if len(cmd.Args) > 2 {
		rec.Metadata = cmd.Args[2]
	}
	return NoneValue(), backend.PushFront(rec)
}

func cmdPopBack(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, _, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	rec, err := backend.PopBack()
	return rec.Data, err
}

func cmdPopFront(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, _, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	rec, err := backend.PopFront()
	return rec.Data, err
}

func cmdSet(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 3 {
		return Value{}, NewTioError(ErrInvalidArgument, "set requires handle, key, value")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	rec := Record{Key: cmd.Args[1], Data: cmd.Args[2]}
	if len(cmd.Args) > 3 {
		rec.Metadata = cmd.Args[3]
	}
	return NoneValue(), backend.Set(rec)
}

func cmdInsert(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 3 {
		return Value{}, NewTioError(ErrInvalidArgument, "insert requires handle, position, value")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	if cmd.Args[1].Kind != ValueInt {
		return Value{}, NewTioError(ErrInvalidArgument, "insert position must be an int")
	}
	rec := Record{Data: cmd.Args[2]}
	return NoneValue(), backend.Insert(cmd.Args[1].I, rec)
}

func cmdDelete(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "delete requires handle and key")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	return NoneValue(), backend.Delete(cmd.Args[1])
}

func cmdClear(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, _, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	return NoneValue(), backend.Clear()
}

func cmdGet(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "get requires handle and key")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	rec, err := backend.Get(cmd.Args[1])
	return rec.Data, err
}

func cmdGetAt(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 || cmd.Args[1].Kind != ValueInt {
		return Value{}, NewTioError(ErrInvalidArgument, "get_at requires handle and int position")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	rec, err := backend.GetByPosition(cmd.Args[1].I)
	return rec.Data, err
}

func cmdCount(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, _, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	n, err := backend.Count()
	return IntValue(n), err
}

func cmdPropGet(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "prop_get requires handle and name")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	return backend.PropGet(cmd.Args[1].String())
}

func cmdPropSet(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 3 {
		return Value{}, NewTioError(ErrInvalidArgument, "prop_set requires handle, name, value")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	return NoneValue(), backend.PropSet(cmd.Args[1].String(), cmd.Args[2])
}

// cmdSubscribe takes an optional second argument, start_spec (§4.2): absent
// or empty means live-only, "0" means from the beginning, a positive int
// skips that many leading records, a negative int counts back from the end.
func cmdSubscribe(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, storageID, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	startSpec := ""
	if len(cmd.Args) > 1 {
		startSpec = cmd.Args[1].String()
	}
	if _, err := d.subs.Subscribe(context.Background(), backend, storageID, s, startSpec); err != nil {
		return Value{}, err
	}
	return NoneValue(), nil
}

func cmdUnsubscribe(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	_, storageID, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	d.subs.Unsubscribe(storageID, s)
	return NoneValue(), nil
}

// cmdClose drops a handle from the session's handle table and cancels any
// subscription it carried — subsequent mutations generate no further events
// to this session for that container (§8 scenario E5), while the underlying
// container itself is untouched.
func cmdClose(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if arg0(cmd).Kind != ValueInt {
		return Value{}, NewTioError(ErrInvalidArgument, "close requires a handle")
	}
	storageID, ok := s.CloseHandle(ContainerHandle(arg0(cmd).I))
	if ok {
		d.subs.Unsubscribe(storageID, s)
	}
	return NoneValue(), nil
}

// cmdModify requires the key to already exist, unlike set which upserts —
// the distinction the original server draws between "set" and "modify".
func cmdModify(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 3 {
		return Value{}, NewTioError(ErrInvalidArgument, "modify requires handle, key, value")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	if _, err := backend.Get(cmd.Args[1]); err != nil {
		return Value{}, err
	}
	rec := Record{Key: cmd.Args[1], Data: cmd.Args[2]}
	if len(cmd.Args) > 3 {
		rec.Metadata = cmd.Args[3]
	}
	return NoneValue(), backend.Set(rec)
}

// cmdWaitAndPopNext blocks the calling session (this session's dispatch
// loop, not the server) until an item is available to pop from the front of
// a list container, or a 30s deadline elapses. It subscribes a throwaway
// EventCallback on the backend rather than polling, so it wakes immediately
// on the next push.
func cmdWaitAndPopNext(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, _, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	if rec, err := backend.PopFront(); err == nil {
		return rec.Data, nil
	}

	woke := make(chan struct{}, 1)
	unsubscribe := backend.Subscribe(func(ev ContainerEvent) {
		if ev.Kind == EventPushBack || ev.Kind == EventPushFront {
			select {
			case woke <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case <-woke:
			if rec, err := backend.PopFront(); err == nil {
				return rec.Data, nil
			}
			// another waiter or popper won the race; keep waiting.
		case <-deadline.C:
			return Value{}, NewTioError(ErrNotFound, "wait_and_pop_next timed out")
		case <-s.Done():
			return Value{}, NewTioError(ErrInternal, "session closed")
		}
	}
}

// cmdQuery materializes a full snapshot of a container into a new,
// uniquely-named result container and returns its handle, so the caller can
// page through results with the normal get_record_by_position/get_count
// commands rather than
// receiving an unbounded reply in one frame.
func cmdQuery(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	backend, _, err := d.resolveByHandle(s, arg0(cmd))
	if err != nil {
		return Value{}, err
	}
	return materializeQuery(d, s, backend, nil)
}

// cmdQueryEx additionally restricts the scan to [start, end) by key
// comparison, matching a bounded range scan over an ordered map/list.
func cmdQueryEx(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 3 {
		return Value{}, NewTioError(ErrInvalidArgument, "query_ex requires handle, start, end")
	}
	backend, _, err := d.resolveByHandle(s, cmd.Args[0])
	if err != nil {
		return Value{}, err
	}
	start, end := cmd.Args[1], cmd.Args[2]
	filter := func(rec Record) bool {
		if !start.IsNone() && rec.Key.Compare(start) < 0 {
			return false
		}
		if !end.IsNone() && rec.Key.Compare(end) >= 0 {
			return false
		}
		return true
	}
	return materializeQuery(d, s, backend, filter)
}

func materializeQuery(d *Dispatcher, s *Session, backend Backend, filter func(Record) bool) (Value, error) {
	resultName := "__query__/" + uuid.NewString()
	resultID, resultBackend, err := d.registry.OpenContainer(resultName, "volatile_list", "")
	if err != nil {
		return Value{}, err
	}
	err = backend.Snapshot(context.Background(), func(rec Record) bool {
		if filter == nil || filter(rec) {
			_ = resultBackend.PushBack(rec)
		}
		return true
	})
	if err != nil {
		return Value{}, err
	}
	return IntValue(int64(s.RegisterContainer(resultID))), nil
}

func cmdListHandles(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	prefix := ""
	if len(cmd.Args) > 0 {
		prefix = cmd.Args[0].String()
	}
	names := d.registry.EnumerateByPrefix(prefix)
	resultName := "__list_handles__/" + uuid.NewString()
	resultID, resultBackend, err := d.registry.OpenContainer(resultName, "volatile_list", "")
	if err != nil {
		return Value{}, err
	}
	for _, n := range names {
		_ = resultBackend.PushBack(Record{Data: StringValueStr(n)})
	}
	return IntValue(int64(s.RegisterContainer(resultID))), nil
}

func cmdGroupAdd(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "group_add requires group and container name")
	}
	return NoneValue(), d.groups.AddContainer(cmd.Args[0].String(), cmd.Args[1].String())
}

// cmdGroupRemove is intentionally a no-op: removing a container from a
// group is not supported by the original server and this port preserves
// that behavior, answering with an unsupported error rather than silently
// dropping the command (§9, §0).
func cmdGroupRemove(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 2 {
		return Value{}, NewTioError(ErrInvalidArgument, "group_remove requires group and container name")
	}
	d.groups.RemoveContainer(cmd.Args[0].String(), cmd.Args[1].String())
	return Value{}, NewTioError(ErrUnsupported, "group_remove is not supported: group membership cannot be removed")
}

// cmdGroupSubscribe subscribes to every current member of a group and
// records the caller's start_spec so containers added later are subscribed
// with the same start_spec (§4.6).
func cmdGroupSubscribe(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 1 {
		return Value{}, NewTioError(ErrInvalidArgument, "group_subscribe requires a group name")
	}
	startSpec := ""
	if len(cmd.Args) > 1 {
		startSpec = cmd.Args[1].String()
	}
	return NoneValue(), d.groups.Subscribe(context.Background(), cmd.Args[0].String(), s, d.registry, d.subs, startSpec)
}

func cmdSetPermission(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if len(cmd.Args) < 3 {
		return Value{}, NewTioError(ErrInvalidArgument, "set_permission requires object, user, allow")
	}
	if d.auth == nil {
		return Value{}, NewTioError(ErrUnsupported, "no auth collaborator configured")
	}
	object := cmd.Args[0].String()
	user := cmd.Args[1].String()
	allow := !cmd.Args[2].IsNone() && cmd.Args[2].I != 0
	return NoneValue(), d.auth.SetPermission(object, user, allow)
}

func cmdPing(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	return StringValueStr("pong"), nil
}

func cmdVersion(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	return StringValueStr("tio-1.0"), nil
}

// cmdPause/cmdResume toggle the server's NATS JetStream fanout sink, the
// same administrative brake the teacher's monitorNATS used under CPU
// pressure (src/server.go), repurposed here as an explicit admin command
// rather than an automatic one — core command dispatch is never paused by
// these, only the additive replication sink.
func cmdPause(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if d.natsPauseFlag != nil {
		d.natsPauseFlag(true)
	}
	return NoneValue(), nil
}

func cmdResume(d *Dispatcher, s *Session, cmd Command) (Value, error) {
	if d.natsPauseFlag != nil {
		d.natsPauseFlag(false)
	}
	return NoneValue(), nil
}

func arg0(cmd Command) Value {
	if len(cmd.Args) == 0 {
		return NoneValue()
	}
	return cmd.Args[0]
}
