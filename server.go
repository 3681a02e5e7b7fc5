package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// Stats holds the server's live counters. CurrentConnections/
// TotalConnections are touched from many goroutines via sync/atomic; the
// sampled values (CPUPercent) are guarded by mu — the same split the
// teacher's Stats used between its hot counters and its periodically
// collected gauges.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	StartTime          time.Time

	mu         sync.RWMutex
	CPUPercent float64
}

// Server owns every collaborator wired together at startup: the
// ContainerRegistry/EventBus/Publisher/SubscriptionTable/GroupManager chain
// that implements the data-structure engine, the Dispatcher/Auth pair that
// gates commands, the optional AppendLog and NATS sink, and the
// WorkerPool/ResourceGuard/MetricsCollector ambient stack — constructed in
// the same dependency order the teacher's NewServer used (pools first,
// collaborators next, optional NATS last), generalized to Tio's components
// (src/server.go NewServer).
type Server struct {
	config Config
	logger zerolog.Logger

	listener   net.Listener
	httpServer *http.Server

	registry   *ContainerRegistry
	bus        *EventBus
	publisher  *Publisher
	subs       *SubscriptionTable
	groups     *GroupManager
	dispatcher *Dispatcher
	auth       Auth
	appendLog  *AppendLog
	nats       *natsSink

	bufferPool       *BufferPool
	workerPool       *WorkerPool
	resourceGuard    *ResourceGuard
	metricsCollector *MetricsCollector

	metaSessions    Backend
	metaLastCommand Backend

	sessionsMu     sync.Mutex
	sessions       map[int64]*Session
	nextSessionID  int64
	connectionsSem chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	stats *Stats
}

// NewServer wires every collaborator together but does not start listening —
// that's Start's job, matching the teacher's construct-then-Start split.
func NewServer(config Config, logger zerolog.Logger) (*Server, error) {
	stats := &Stats{StartTime: time.Now()}

	if memLimit, err := getMemoryLimit(); err == nil && memLimit > 0 {
		if safe := calculateMaxConnections(memLimit); safe < config.MaxConnections {
			logger.Warn().
				Int("configured_max_connections", config.MaxConnections).
				Int("memory_derived_max_connections", safe).
				Msg("clamping max connections to detected memory limit")
			config.MaxConnections = safe
		}
	}

	bus := NewEventBus(config.EventBusQueueDepth, logger)
	registry := NewContainerRegistry(bus, config.DataDir)
	subs := NewSubscriptionTable(logger)
	groups := NewGroupManager(registry, subs)

	auth := NewDefaultAuth(registry)
	if config.AdminUser != "" && config.AdminToken != "" {
		if da, ok := auth.(*defaultAuth); ok {
			if err := da.AddUser(config.AdminUser, config.AdminToken); err != nil {
				return nil, fmt.Errorf("registering admin user: %w", err)
			}
		}
	}

	dispatcher := NewDispatcher(registry, subs, groups, auth, logger)

	var appendLog *AppendLog
	if config.AppendLogEnabled {
		al, err := NewAppendLog(config.AppendLog, config.AppendLogRotateLines, config.AppendLogRotateBytes)
		if err != nil {
			return nil, fmt.Errorf("opening append log: %w", err)
		}
		appendLog = al
	}

	var sink *natsSink
	if config.NATSUrl != "" {
		ns, err := newNatsSink(config.NATSUrl, config.JSStreamName, config.JSStreamMaxAge, config.JSStreamMaxMsgs, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats sink unavailable, continuing without fanout")
		} else {
			sink = ns
			dispatcher.SetNatsPauseFlag(sink.SetPaused)
		}
	}

	publisher := NewPublisher(bus, subs, appendLog, sink, registry, logger)

	workerCount := config.WorkerPoolSize
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0) * 2
	}
	workerPool := NewWorkerPool(workerCount)

	resourceGuard := NewResourceGuard(config, logger, &stats.CurrentConnections)

	srv := &Server{
		config:         config,
		logger:         logger,
		registry:       registry,
		bus:            bus,
		publisher:      publisher,
		subs:           subs,
		groups:         groups,
		dispatcher:     dispatcher,
		auth:           auth,
		appendLog:      appendLog,
		nats:           sink,
		bufferPool:     NewBufferPool(4096),
		workerPool:     workerPool,
		resourceGuard:  resourceGuard,
		sessions:       make(map[int64]*Session),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		stats:          stats,
	}
	srv.metricsCollector = NewMetricsCollector(srv)

	if err := srv.bootstrapMeta(); err != nil {
		return nil, fmt.Errorf("bootstrapping meta containers: %w", err)
	}

	return srv, nil
}

// bootstrapMeta opens the well-known __meta__ containers this server's own
// bookkeeping relies on existing from the start: __meta__/sessions (live
// session ids) and __meta__/session_last_command (reserved for future
// per-session diagnostics), alongside whatever __meta__/groups/<name>
// mirrors GroupManager creates lazily.
func (s *Server) bootstrapMeta() error {
	_, backend, err := s.registry.OpenContainer("__meta__/sessions", "volatile_map", "")
	if err != nil {
		return err
	}
	s.metaSessions = backend

	_, backend, err = s.registry.OpenContainer("__meta__/session_last_command", "volatile_map", "")
	if err != nil {
		return err
	}
	s.metaLastCommand = backend
	return nil
}

// Start opens the TCP listener, starts the publisher/worker pool/resource
// monitor, and serves /health, /metrics and /tio on the HTTP address — the
// same ordering as the teacher's Start (src/server.go): listen, workers,
// background consumers, HTTP mux, monitoring.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publisher.Run()
	}()

	s.workerPool.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", handleMetrics)
	mux.HandleFunc("/tio", s.handleWebSocket)
	s.httpServer = &http.Server{
		Addr:         s.config.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	s.resourceGuard.StartMonitoring(s.ctx, s.config.MetricsInterval)
	s.metricsCollector.Start()

	s.logger.Info().
		Str("addr", s.config.Addr).
		Str("http_addr", s.config.HTTPAddr).
		Msg("tio server started")

	return nil
}

// acceptLoop is the raw-TCP admission path: every accepted connection is
// checked against ResourceGuard and the semaphore before a Session is ever
// constructed, matching the teacher's handleWebSocket admission sequence
// generalized to a plain net.Listener.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// prefixedConn replays bytes already consumed while peeking the protocol
// handshake ahead of whatever remains live on conn, so detection never loses
// data the Session still needs to read.
type prefixedConn struct {
	net.Conn
	prefix *bytes.Reader
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if p.prefix.Len() > 0 {
		return p.prefix.Read(b)
	}
	return p.Conn.Read(b)
}

func (s *Server) admit() bool {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		return false
	}
	accept, reason := s.resourceGuard.ShouldAcceptConnection()
	if !accept {
		s.logger.Warn().Str("reason", reason).Msg("connection rejected")
		return false
	}
	select {
	case s.connectionsSem <- struct{}{}:
		return true
	case <-time.After(5 * time.Second):
		connectionsFailed.Inc()
		return false
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if !s.admit() {
		conn.Close()
		return
	}

	peekPtr := s.bufferPool.Get(4096)
	peekBuf := (*peekPtr)[:cap(*peekPtr)]
	n, err := conn.Read(peekBuf)
	if err != nil && n == 0 {
		s.bufferPool.Put(peekPtr)
		<-s.connectionsSem
		conn.Close()
		return
	}
	peeked := append([]byte(nil), peekBuf[:n]...)
	s.bufferPool.Put(peekPtr)

	mode := DetectProtocol(peeked)
	wrapped := &prefixedConn{Conn: conn, prefix: bytes.NewReader(peeked)}

	s.runSession(wrapped, mode)
}

// handleWebSocket upgrades an HTTP request to a WebSocket connection and
// drives it through the same Session machinery as a raw TCP client, via the
// wsFrameConn adapter — WS is just another transport at the edge, not a
// third protocol (§6).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.runSession(newWSFrameConn(conn), ProtocolWebSocket)
}

// runSession registers a freshly accepted connection as a Session and spawns
// its reader/writer goroutines, tracked by the server's WaitGroup so
// Shutdown can drain them.
func (s *Server) runSession(conn net.Conn, mode ProtocolMode) {
	id := atomic.AddInt64(&s.nextSessionID, 1)
	sess := NewSession(id, conn, mode, s)

	s.sessionsMu.Lock()
	s.sessions[id] = sess
	s.sessionsMu.Unlock()

	atomic.AddInt64(&s.stats.TotalConnections, 1)
	atomic.AddInt64(&s.stats.CurrentConnections, 1)
	UpdateConnectionMetrics(s)
	_ = s.metaSessions.Set(Record{Key: IntValue(id), Data: StringValueStr(time.Now().UTC().Format(time.RFC3339))})

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		sess.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		sess.dispatchLoop()
	}()
	go func() {
		defer s.wg.Done()
		sess.readLoop()
	}()
}

// onSessionClosed is called exactly once per Session, from Session.Close,
// to release the admission semaphore and clean up bookkeeping.
func (s *Server) onSessionClosed(sess *Session, reason string) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.id)
	s.sessionsMu.Unlock()

	atomic.AddInt64(&s.stats.CurrentConnections, -1)
	_ = s.metaLastCommand.Delete(IntValue(sess.id))
	_ = s.metaSessions.Delete(IntValue(sess.id))

	initiatedBy := DisconnectInitiatedByClient
	if reason == DisconnectReasonServerShutdown {
		initiatedBy = DisconnectInitiatedByServer
	}
	RecordDisconnect(reason, initiatedBy, time.Since(sess.createdAt))

	select {
	case <-s.connectionsSem:
	default:
	}
}

// handleHealth reports server health the way the teacher's handler did:
// CORS-friendly JSON checking each configured threshold and returning a
// non-200 status the moment any check fails, so a load balancer can act on
// it directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	rgStats := s.resourceGuard.GetStats()
	currentConns := atomic.LoadInt64(&s.stats.CurrentConnections)

	var warnings, errs []string
	isHealthy := true

	cpuPercent, _ := rgStats["cpu_percent"].(float64)
	if cpuPercent > s.config.CPURejectThreshold {
		errs = append(errs, fmt.Sprintf("cpu at %.1f%% exceeds reject threshold %.1f%%", cpuPercent, s.config.CPURejectThreshold))
		isHealthy = false
	} else if cpuPercent > s.config.CPUPauseThreshold {
		warnings = append(warnings, fmt.Sprintf("cpu at %.1f%% exceeds pause threshold %.1f%%", cpuPercent, s.config.CPUPauseThreshold))
	}

	memBytes, _ := rgStats["memory_bytes"].(int64)
	if memBytes > s.config.MemoryLimit {
		errs = append(errs, "memory limit exceeded")
		isHealthy = false
	}

	if s.config.MaxConnections > 0 {
		capacityPercent := float64(currentConns) / float64(s.config.MaxConnections) * 100
		if capacityPercent > 90 {
			warnings = append(warnings, fmt.Sprintf("connection capacity at %.1f%%", capacityPercent))
		}
	}

	if s.nats != nil && !s.natsConnected() {
		warnings = append(warnings, "nats sink disconnected")
	}

	status := http.StatusOK
	if !isHealthy {
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"healthy":             isHealthy,
		"warnings":            warnings,
		"errors":              errs,
		"current_connections": currentConns,
		"max_connections":     s.config.MaxConnections,
		"cpu_percent":         cpuPercent,
		"uptime_seconds":      time.Since(s.stats.StartTime).Seconds(),
	}
	if s.appendLog != nil {
		body["append_log_last_seq"] = s.appendLog.LastSeq()
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) natsConnected() bool {
	return s.nats != nil && s.nats.conn != nil && s.nats.conn.IsConnected()
}

// Shutdown drains live connections for up to 30 seconds, then force-closes
// whatever remains — the same grace-period-then-force pattern as the
// teacher's Shutdown (src/server.go), generalized from its client map to
// this server's sessions map.
func (s *Server) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return nil
	}

	s.logger.Info().Msg("tio server shutting down")

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.nats != nil {
		s.nats.Close()
	}

	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

drain:
	for {
		if atomic.LoadInt64(&s.stats.CurrentConnections) == 0 {
			break drain
		}
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			break drain
		}
	}

	s.sessionsMu.Lock()
	remaining := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		remaining = append(remaining, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range remaining {
		sess.Close(DisconnectReasonServerShutdown)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.workerPool.Stop()
	s.publisher.Stop()
	s.metricsCollector.Stop()
	if s.appendLog != nil {
		_ = s.appendLog.Close()
	}

	s.wg.Wait()

	s.logger.Info().Msg("tio server shutdown complete")
	return nil
}
