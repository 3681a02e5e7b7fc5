package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// ResourceGuard enforces static resource limits and prevents server overload.
//
// Philosophy:
//   - Static configuration (predictable behavior)
//   - Rate limiting (prevent work overload)
//   - Safety valves (emergency brakes)
//   - No auto-calculation (deterministic)
//
// ResourceGuard does NOT calculate capacity from measurements, auto-adjust
// limits, or track historical trends — that philosophy belongs to a dynamic
// capacity manager, which this server does not run (§2, §9: static resource
// model was chosen over the teacher's dynamic one).
//
// ResourceGuard DOES enforce configured limits strictly, rate limit command
// throughput and publish fanout, and provide safety checks (CPU, memory,
// goroutines).
type ResourceGuard struct {
	config Config
	logger zerolog.Logger

	commandLimiter *rate.Limiter // limits total command throughput across all sessions
	publishLimiter *rate.Limiter // limits EventBus publish rate

	goroutineLimiter *GoroutineLimiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64 (bytes)

	currentConns *int64 // pointer to server's current connection count
}

// GoroutineLimiter limits concurrent goroutines using a semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to acquire a goroutine slot, returning false if at limit.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gl *GoroutineLimiter) Release() {
	<-gl.sem
}

func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }
func (gl *GoroutineLimiter) Max() int     { return gl.max }

// NewResourceGuard builds a guard from static configuration. currentConns
// must point at the server's live connection counter.
func NewResourceGuard(config Config, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	commandLimiter := rate.NewLimiter(
		rate.Limit(config.MaxCommandsPerSec),
		config.MaxCommandsPerSec*2,
	)
	publishLimiter := rate.NewLimiter(
		rate.Limit(config.MaxPublishPerSec),
		config.MaxPublishPerSec*2,
	)
	goroutineLimiter := NewGoroutineLimiter(config.MaxGoroutines)

	rg := &ResourceGuard{
		config:           config,
		logger:           logger,
		commandLimiter:   commandLimiter,
		publishLimiter:   publishLimiter,
		goroutineLimiter: goroutineLimiter,
		currentConns:     currentConns,
	}

	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Float64("cpu_limit", config.CPULimit).
		Int64("memory_limit", config.MemoryLimit).
		Int("max_connections", config.MaxConnections).
		Int("max_commands_per_sec", config.MaxCommandsPerSec).
		Int("max_publish_per_sec", config.MaxPublishPerSec).
		Int("max_goroutines", config.MaxGoroutines).
		Msg("ResourceGuard initialized with static configuration")

	return rg
}

// ShouldAcceptConnection checks, in order: hard connection limit, CPU
// emergency brake, memory emergency brake, goroutine limit.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	currentConns := atomic.LoadInt64(rg.currentConns)
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)
	currentGoros := runtime.NumGoroutine()

	if currentConns >= int64(rg.config.MaxConnections) {
		IncrementCapacityRejection("at_max_connections")
		rg.logger.Warn().
			Int64("current_conns", currentConns).
			Int("max_conns", rg.config.MaxConnections).
			Msg("connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}

	if currentCPU > rg.config.CPURejectThreshold {
		IncrementCapacityRejection("cpu_overload")
		rg.logger.Warn().
			Float64("current_cpu", currentCPU).
			Float64("threshold", rg.config.CPURejectThreshold).
			Msg("connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.config.CPURejectThreshold)
	}

	if currentMemory > rg.config.MemoryLimit {
		IncrementCapacityRejection("memory_limit")
		rg.logger.Warn().
			Int64("current_memory_mb", currentMemory/(1024*1024)).
			Int64("limit_mb", rg.config.MemoryLimit/(1024*1024)).
			Msg("connection rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}

	if currentGoros > rg.config.MaxGoroutines {
		IncrementCapacityRejection("goroutine_limit")
		rg.logger.Warn().
			Int("current_goroutines", currentGoros).
			Int("max_goroutines", rg.config.MaxGoroutines).
			Msg("connection rejected: goroutine limit exceeded")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, rg.config.MaxGoroutines)
	}

	rg.logger.Debug().
		Int64("current_conns", currentConns).
		Float64("cpu", currentCPU).
		Int64("memory_mb", currentMemory/(1024*1024)).
		Int("goroutines", currentGoros).
		Msg("connection accepted")

	return true, "OK"
}

// ShouldPauseDispatch reports whether command dispatch should be paused to
// let CPU usage fall back below the pause threshold.
func (rg *ResourceGuard) ShouldPauseDispatch() bool {
	currentCPU := rg.currentCPU.Load().(float64)
	return currentCPU > rg.config.CPUPauseThreshold
}

// AllowCommand rate-limits total command throughput across all sessions,
// on top of each Session's own per-connection limiter (§6).
func (rg *ResourceGuard) AllowCommand() bool {
	return rg.commandLimiter.Allow()
}

// AllowPublish rate-limits EventBus publishes, the aggregate mutation rate
// across every container.
func (rg *ResourceGuard) AllowPublish() bool {
	return rg.publishLimiter.Allow()
}

// AcquireGoroutine attempts to reserve a goroutine slot. Caller must call
// ReleaseGoroutine when the goroutine completes.
func (rg *ResourceGuard) AcquireGoroutine() bool {
	acquired := rg.goroutineLimiter.Acquire()
	if !acquired {
		rg.logger.Warn().
			Int("current", rg.goroutineLimiter.Current()).
			Int("max", rg.goroutineLimiter.Max()).
			Msg("goroutine limit reached")
	}
	return acquired
}

func (rg *ResourceGuard) ReleaseGoroutine() {
	rg.goroutineLimiter.Release()
}

// UpdateResources samples CPU and memory usage. Call periodically (see
// StartMonitoring) to keep resource state current.
func (rg *ResourceGuard) UpdateResources() {
	// 100ms sample: long enough to be accurate, short enough not to stall
	// the monitoring loop noticeably.
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		LogError(rg.logger, err, "failed to get CPU usage", nil)
	} else if len(cpuPercent) > 0 {
		rg.currentCPU.Store(cpuPercent[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.Alloc))

	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)

	rg.logger.Debug().
		Float64("cpu_percent", currentCPU).
		Int64("memory_mb", currentMemory/(1024*1024)).
		Int64("connections", atomic.LoadInt64(rg.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}

// StartMonitoring begins periodic resource updates and Prometheus publication.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()

				currentCPU := rg.currentCPU.Load().(float64)
				currentMemory := rg.currentMemory.Load().(int64)

				cpuHeadroom := 100.0 - currentCPU
				memPercent := 0.0
				if rg.config.MemoryLimit > 0 {
					memPercent = (float64(currentMemory) / float64(rg.config.MemoryLimit)) * 100
				}
				memHeadroom := 100.0 - memPercent

				UpdateCapacityHeadroom(cpuHeadroom, memHeadroom)
				UpdateCapacityMetrics(rg.config.MaxConnections, rg.config.CPURejectThreshold)

			case <-ctx.Done():
				rg.logger.Info().Msg("ResourceGuard monitoring stopped")
				return
			}
		}
	}()

	rg.logger.Info().Dur("interval", interval).Msg("ResourceGuard monitoring started")
}

// GetStats returns current resource statistics for diagnostics.
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_connections":      rg.config.MaxConnections,
		"current_connections":  atomic.LoadInt64(rg.currentConns),
		"cpu_percent":          rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"cpu_pause_threshold":  rg.config.CPUPauseThreshold,
		"memory_bytes":         rg.currentMemory.Load().(int64),
		"memory_limit_bytes":   rg.config.MemoryLimit,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     rg.config.MaxGoroutines,
		"command_rate_limit":   rg.config.MaxCommandsPerSec,
		"publish_rate_limit":   rg.config.MaxPublishPerSec,
		"worker_pool_size":     rg.config.WorkerPoolSize,
		"worker_pool_queue":    rg.config.WorkerQueueSize,
	}
}
