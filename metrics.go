package main

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the Tio server, scraped at /metrics.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_connections_total",
		Help: "Total number of client connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_connections_active",
		Help: "Current number of active client connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_connections_max",
		Help: "Maximum allowed client connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tio_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tio_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_messages_received_total",
		Help: "Total number of messages (commands) received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_rate_limited_messages_total",
		Help: "Total number of commands rejected by the per-session rate limiter",
	})

	droppedBroadcastsDetailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tio_dropped_events_total",
		Help: "Total events dropped by channel and reason",
	}, []string{"channel", "reason"})

	slowClientAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tio_slow_client_attempts_before_disconnect",
		Help:    "Distribution of send attempts before slow client disconnect",
		Buckets: []float64{1, 2, 3, 4, 5, 10, 20},
	})

	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_goroutines_active",
		Help: "Current number of active goroutines",
	})

	eventBusDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_eventbus_dropped_total",
		Help: "Total events dropped from the event bus queue due to backpressure",
	})

	eventBusDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_eventbus_depth",
		Help: "Current number of events queued on the event bus",
	})

	publisherBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tio_publisher_batch_size",
		Help:    "Distribution of batch sizes drained by the publisher goroutine",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	appendLogErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tio_append_log_errors_total",
		Help: "Total append log write failures",
	})

	workerPoolDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_worker_pool_dropped_total",
		Help: "Total tasks dropped when the worker pool queue was full",
	})

	capacityMaxConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_capacity_max_connections",
		Help: "Current dynamic maximum connections allowed",
	})

	capacityCPUThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tio_capacity_cpu_threshold_percent",
		Help: "CPU threshold for rejecting new connections",
	})

	capacityRejectionsCPU = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tio_capacity_rejections_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	capacityAvailableHeadroom = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tio_capacity_headroom_percent",
		Help: "Available resource headroom (CPU and memory)",
	}, []string{"resource"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tio_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsFailed)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(slowClientsDisconnected)
	prometheus.MustRegister(rateLimitedMessages)
	prometheus.MustRegister(droppedBroadcastsDetailed)
	prometheus.MustRegister(slowClientAttempts)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(eventBusDropped)
	prometheus.MustRegister(eventBusDepth)
	prometheus.MustRegister(publisherBatchSize)
	prometheus.MustRegister(appendLogErrors)
	prometheus.MustRegister(workerPoolDropped)

	prometheus.MustRegister(capacityMaxConnections)
	prometheus.MustRegister(capacityCPUThreshold)
	prometheus.MustRegister(capacityRejectionsCPU)
	prometheus.MustRegister(capacityAvailableHeadroom)

	prometheus.MustRegister(errorsTotal)
}

// MetricsCollector periodically samples process-level metrics (memory, CPU,
// goroutines, worker pool backlog) the way the teacher's collector did,
// pointed at this server's fields instead of a WebSocket hub's.
type MetricsCollector struct {
	server   *Server
	stopChan chan struct{}
}

func NewMetricsCollector(server *Server) *MetricsCollector {
	return &MetricsCollector{server: server, stopChan: make(chan struct{})}
}

func (m *MetricsCollector) Start() {
	connectionsMax.Set(float64(m.server.config.MaxConnections))

	if memLimit, err := getMemoryLimit(); err == nil && memLimit > 0 {
		memoryLimitBytes.Set(float64(memLimit))
	}

	ticker := time.NewTicker(m.server.config.MetricsInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *MetricsCollector) Stop() {
	close(m.stopChan)
}

func (m *MetricsCollector) collect() {
	connectionsActive.Set(float64(atomic.LoadInt64(&m.server.stats.CurrentConnections)))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryUsageBytes.Set(float64(mem.Alloc))

	m.server.stats.mu.RLock()
	cpuUsagePercent.Set(m.server.stats.CPUPercent)
	m.server.stats.mu.RUnlock()

	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if m.server.workerPool != nil {
		workerPoolDropped.Set(float64(m.server.workerPool.GetDroppedTasks()))
	}
}

func UpdateConnectionMetrics(server *Server) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(atomic.LoadInt64(&server.stats.CurrentConnections)))
}

func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementSlowClientDisconnects() {
	slowClientsDisconnected.Inc()
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

// UpdateEventBusDropped records the running total of events dropped from the
// bus queue due to backpressure (§5 EventBus).
func UpdateEventBusDropped(total int64) {
	eventBusDropped.Set(float64(total))
}

// UpdateEventBusDepth records the current queue depth, sampled on every
// publish and every drain.
func UpdateEventBusDepth(depth int) {
	eventBusDepth.Set(float64(depth))
}

// UpdatePublisherBatchSize records how many events the Publisher drained in
// one wakeup.
func UpdatePublisherBatchSize(size int) {
	publisherBatchSize.Observe(float64(size))
}

// IncrementAppendLogErrors records an append log write failure.
func IncrementAppendLogErrors() {
	appendLogErrors.Inc()
}

func UpdateCapacityMetrics(maxConnections int, cpuThreshold float64) {
	capacityMaxConnections.Set(float64(maxConnections))
	capacityCPUThreshold.Set(cpuThreshold)
}

func IncrementCapacityRejection(reason string) {
	capacityRejectionsCPU.WithLabelValues(reason).Inc()
}

// UpdateCapacityHeadroom updates available resource headroom.
func UpdateCapacityHeadroom(cpuHeadroom, memHeadroom float64) {
	capacityAvailableHeadroom.WithLabelValues("cpu").Set(cpuHeadroom)
	capacityAvailableHeadroom.WithLabelValues("memory").Set(memHeadroom)
}

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"
	ErrorSeverityCritical = "critical"
	ErrorSeverityFatal    = "fatal"
)

// Error types for categorization
const (
	ErrorTypeAppendLog     = "append_log"
	ErrorTypeNATS          = "nats"
	ErrorTypeDispatch      = "dispatch"
	ErrorTypeSerialization = "serialization"
	ErrorTypeConnection    = "connection"
	ErrorTypeHealth        = "health"
)

func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

func RecordConnectionError(severity string) {
	errorsTotal.WithLabelValues(ErrorTypeConnection, severity).Inc()
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError         = "read_error"
	DisconnectReasonWriteTimeout      = "write_timeout"
	DisconnectReasonRateLimitExceeded = "rate_limit_exceeded"
	DisconnectReasonServerShutdown    = "server_shutdown"
	DisconnectReasonClientInitiated   = "client_initiated"
	// DisconnectReasonSlowConsumer is the 3-strike outbound-buffer-full
	// disconnect (session.go's noteSlowAttempt) — spec §5/§8's "slow
	// consumer" scenario (E4) by name, distinct from an actual socket
	// write error/timeout.
	DisconnectReasonSlowConsumer = "slow_consumer"
)

const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Drop reasons - why events were dropped before reaching a client
const (
	DropReasonSendTimeout        = "send_timeout"
	DropReasonBufferFull         = "buffer_full"
	DropReasonClientDisconnected = "client_disconnected"
)

func RecordDisconnect(reason, initiatedBy string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func RecordDroppedBroadcast(channel, reason string) {
	droppedBroadcastsDetailed.WithLabelValues(channel, reason).Inc()
}

func RecordSlowClientAttempt(attempts int) {
	slowClientAttempts.Observe(float64(attempts))
}

// handleMetrics serves Prometheus metrics at /metrics.
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
