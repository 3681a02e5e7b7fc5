package main

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ProtocolMode is how a Session's bytes are framed on the wire, selected
// once from the first bytes the server peeks off the socket (§6).
type ProtocolMode int

const (
	ProtocolBinary ProtocolMode = iota
	ProtocolText
	ProtocolHTTPOneShot
	ProtocolWebSocket
)

// Session is a single client connection: one reader goroutine parsing
// incoming commands, one writer goroutine draining the outbound channel —
// the same readPump/writePump split the teacher's Client used for
// WebSocket framing, generalized here to Tio's binary/text/WS protocols.
//
// outbound is bounded; a session that can't keep up has its slot dropped
// rather than blocking the Publisher (§5: Session.outbound is the last lock
// in the ordering, so nothing waits on a slow client for long).
type Session struct {
	id       int64
	conn     net.Conn
	server   *Server
	mode     ProtocolMode
	reader   *bufio.Reader
	writer   *bufio.Writer
	outbound chan []byte

	// cmdQueue decouples command parsing (readLoop) from command execution
	// (dispatchLoop/the worker pool): readLoop only ever pushes here, never
	// calls the dispatcher directly, so a handler that blocks — e.g.
	// wait_and_pop_next's long poll — can't stall the socket reader (§5:
	// "A worker pool ... runs command handlers posted by the reactor, so
	// that a slow handler does not stall socket reads").
	cmdQueue chan Command

	mu         sync.Mutex
	handles    map[ContainerHandle]int64 // handle -> storage id
	byStorage  map[int64]ContainerHandle // storage id -> handle, for re-registration reuse (§9 item 3)
	nextHandle ContainerHandle

	user       string
	authorized int32 // atomic bool

	limiter      *rate.Limiter
	codec        *Codec
	slowAttempts int32

	closeOnce sync.Once
	closed    chan struct{}

	createdAt time.Time
}

// NewSession wraps conn for a freshly-accepted connection. mode must already
// be resolved by the caller (the server peeked the handshake bytes).
func NewSession(id int64, conn net.Conn, mode ProtocolMode, srv *Server) *Session {
	return &Session{
		id:        id,
		conn:      conn,
		server:    srv,
		mode:      mode,
		reader:    bufio.NewReaderSize(conn, 16384),
		writer:    bufio.NewWriterSize(conn, 16384),
		outbound:  make(chan []byte, 1024),
		cmdQueue:  make(chan Command, 256),
		handles:   make(map[ContainerHandle]int64),
		byStorage: make(map[int64]ContainerHandle),
		limiter:   rate.NewLimiter(rate.Limit(srv.config.MaxCommandsPerSec), srv.config.MaxCommandsPerSec/4+1),
		codec:     NewCodec(mode),
		closed:    make(chan struct{}),
		createdAt: time.Now(),
	}
}

// RegisterContainer returns the handle a session should use for storageID,
// minting a new one only if this session has never registered it before —
// re-registration always reuses the existing handle, per the redesign
// direction in §9 item 3 (previously ambiguous in the original source).
func (s *Session) RegisterContainer(storageID int64) ContainerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byStorage[storageID]; ok {
		return h
	}
	s.nextHandle++
	h := s.nextHandle
	s.handles[h] = storageID
	s.byStorage[storageID] = h
	return h
}

func (s *Session) StorageIDForHandle(h ContainerHandle) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handles[h]
	return id, ok
}

// CloseHandle drops h from this session's handle table and reports the
// storage id it used to point at, so the caller can also cancel any
// subscription held on that handle (Registry.CloseHandle in §3).
func (s *Session) CloseHandle(h ContainerHandle) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handles[h]
	if ok {
		delete(s.handles, h)
		delete(s.byStorage, id)
	}
	return id, ok
}

func (s *Session) SetUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	atomic.StoreInt32(&s.authorized, 1)
}

func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Authorized() bool { return atomic.LoadInt32(&s.authorized) == 1 }

// sendEvent encodes a container event for this session's handle and enqueues
// it on the outbound channel. Never blocks: a full channel means this
// session is too slow and the event is dropped, matching the teacher's
// slow-client handling (counted, not fatal on its own).
func (s *Session) sendEvent(ev ContainerEvent) {
	handle := s.RegisterContainer(ev.StorageID)
	s.enqueue(s.codec.EncodeEvent(handle, ev))
}

// enqueue pushes an already-encoded frame onto the outbound channel,
// dropping it (and counting toward slow-client disconnect) if the channel
// is full.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.outbound <- frame:
	default:
		RecordDroppedBroadcast("events", DropReasonBufferFull)
		s.noteSlowAttempt()
	}
}

// noteSlowAttempt implements the teacher's 3-strike slow-client disconnect
// (src/connection.go's Client.sendAttempts / src/server.go's broadcast
// loop): one full outbound buffer could be a brief hiccup, but three
// consecutive drops without an intervening successful write means the
// client genuinely can't keep up, and this is the E4 "slow consumer"
// scenario from spec §5/§8 by name — not a write error, so it gets its own
// disconnect reason distinct from DisconnectReasonWriteTimeout.
func (s *Session) noteSlowAttempt() {
	attempts := atomic.AddInt32(&s.slowAttempts, 1)
	RecordSlowClientAttempt(int(attempts))
	if attempts >= 3 {
		s.Close(DisconnectReasonSlowConsumer)
	}
}

func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.server.subs.UnsubscribeAll(s)
		s.server.onSessionClosed(s, reason)
	})
}

func (s *Session) Done() <-chan struct{} { return s.closed }

// Alive reports whether the session is still connected, so a snapshot
// stream can abort early instead of walking the rest of a large container
// for a client that already disconnected.
func (s *Session) Alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// writeLoop drains outbound and flushes it to the socket. Every successful
// write clears the slow-attempt counter so a transient stall doesn't
// accumulate toward disconnect once the client catches up.
func (s *Session) writeLoop() {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := s.writer.Write(frame); err != nil {
				s.Close(DisconnectReasonWriteTimeout)
				return
			}
			if err := s.writer.Flush(); err != nil {
				s.Close(DisconnectReasonWriteTimeout)
				return
			}
			atomic.StoreInt32(&s.slowAttempts, 0)
			UpdateBytesMetrics(int64(len(frame)), 0)
		case <-s.closed:
			return
		}
	}
}

// readLoop parses one command at a time from the connection and hands it
// off to dispatchLoop via cmdQueue, applying the per-session command rate
// limit (§6 Session, golang.org/x/time/rate — see SPEC_FULL.md §1). It never
// calls the dispatcher itself: that's what let a single blocking handler
// (cmdWaitAndPopNext's long poll) stall this goroutine and, with it, further
// reads off the socket.
func (s *Session) readLoop() {
	defer s.Close(DisconnectReasonReadError)
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		cmd, err := s.codec.ReadCommand(s.reader)
		if err != nil {
			return
		}
		UpdateMessageMetrics(0, 1)

		if !s.limiter.Allow() {
			IncrementRateLimitedMessages()
			s.enqueue(s.codec.EncodeError(cmd.ID, NewTioError(ErrUnsupported, "rate limit exceeded")))
			continue
		}

		select {
		case s.cmdQueue <- cmd:
		case <-s.closed:
			return
		}
	}
}

// dispatchLoop drains cmdQueue one command at a time and hands each to the
// server's worker pool, matching spec §5's "worker pool ... runs command
// handlers posted by the reactor" — the reactor here being readLoop, which
// only ever posts onto cmdQueue and never blocks on a handler.
//
// Commands are processed strictly in arrival order: dispatchLoop waits for
// one command to finish (on whichever worker ran it) before pulling the
// next off the queue, preserving the per-session total ordering spec §5
// requires even though execution itself happens off this goroutine. If the
// worker pool is saturated, the command runs inline here rather than being
// silently dropped — a dropped client command with no answer would violate
// §7 ("a command's failure leaves container state unchanged") by leaving
// the client waiting forever instead of erroring cleanly.
func (s *Session) dispatchLoop() {
	for {
		select {
		case cmd := <-s.cmdQueue:
			done := make(chan struct{})
			if !s.server.workerPool.Submit(func() {
				s.server.dispatcher.Handle(s, cmd)
				close(done)
			}) {
				s.server.dispatcher.Handle(s, cmd)
				close(done)
			}
			select {
			case <-done:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}
