package main

import (
	"os"
	"strconv"
	"strings"
)

// getMemoryLimit returns the container memory limit in bytes
// Supports both cgroup v1 and v2
func getMemoryLimit() (int64, error) {
	// Try cgroup v2 first (newer systems, Cloud Run)
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}

	// Fallback to cgroup v1
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	// If no cgroup limits found, return 0 (no limit detected)
	return 0, nil
}

// calculateMaxConnections determines safe max connections based on memory limit
//
// Memory breakdown per Session:
// - Session struct + handle maps: ~2KB (grows with containers registered)
// - outbound channel: 1024 slots × 64 bytes avg frame pointer overhead = 64KB
// - read/write bufio buffers: 16KB + 16KB = 32KB
// Total: ~98KB per connection, rounded up to 100KB for headroom.
func calculateMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		// No limit detected, use conservative default
		return 10000
	}

	// Reserve 128MB for runtime, libraries, and overhead
	const runtimeOverheadBytes = 128 * 1024 * 1024

	const bytesPerConnection = 100 * 1024 // 100KB

	availableBytes := memoryLimitBytes - runtimeOverheadBytes
	if availableBytes < 0 {
		availableBytes = memoryLimitBytes / 2 // Use 50% if very limited
	}

	maxConns := int(availableBytes / bytesPerConnection)

	// Safety bounds
	if maxConns < 100 {
		maxConns = 100 // Minimum viable
	}
	if maxConns > 50000 {
		maxConns = 50000 // Maximum reasonable
	}

	return maxConns
}
