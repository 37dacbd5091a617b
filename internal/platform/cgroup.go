// Package platform detects container resource limits (cgroup memory
// limit and CPU quota) and derives worker-count and connection-ceiling
// estimates from them. Ported from the teacher's ws/cgroup.go. No other
// package in this module calls it; GOMAXPROCS is set by
// go.uber.org/automaxprocs in cmd/server.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimitBytes returns the container memory limit in bytes, trying
// cgroup v2 first and falling back to cgroup v1. Returns 0 if no limit
// is detected (bare metal, VM, or unconstrained container).
func MemoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}

// CPUQuota returns the cgroup CPU quota as a fractional core count
// (e.g. 2.5 cores), trying cgroup v2's cpu.max then cgroup v1's
// cpu.cfs_quota_us/cpu.cfs_period_us. Returns 0 if unconstrained.
func CPUQuota() float64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/cpu.max"); err == nil {
		fields := strings.Fields(strings.TrimSpace(string(data)))
		if len(fields) == 2 && fields[0] != "max" {
			quota, err1 := strconv.ParseFloat(fields[0], 64)
			period, err2 := strconv.ParseFloat(fields[1], 64)
			if err1 == nil && err2 == nil && period > 0 {
				return quota / period
			}
		}
		return 0
	}

	quotaData, err1 := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	periodData, err2 := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if err1 == nil && err2 == nil {
		quota, e1 := strconv.ParseFloat(strings.TrimSpace(string(quotaData)), 64)
		period, e2 := strconv.ParseFloat(strings.TrimSpace(string(periodData)), 64)
		if e1 == nil && e2 == nil && quota > 0 && period > 0 {
			return quota / period
		}
	}
	return 0
}

// WorkerCountFor picks a worker-goroutine count for a concurrency-bound
// component, scaling with the detected CPU quota the same way the
// teacher recommends (2x logical CPUs), clamped to [minWorkers, maxWorkers].
func WorkerCountFor(logicalCPUs int, minWorkers, maxWorkers int) int {
	n := logicalCPUs * 2
	if n < minWorkers {
		n = minWorkers
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

const (
	// MinConnections / MaxConnections bound the connection-capacity
	// estimate MaxConnectionsFor derives from a memory limit.
	MinConnections = 100
	MaxConnections = 50000

	runtimeOverheadBytes = 128 * 1024 * 1024
	bytesPerConnection   = 180 * 1024
)

// MaxConnectionsFor estimates a safe connection ceiling from a detected
// memory limit, following the teacher's calculateMaxConnections sizing.
func MaxConnectionsFor(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < MinConnections {
		maxConns = MinConnections
	}
	if maxConns > MaxConnections {
		maxConns = MaxConnections
	}
	return maxConns
}
