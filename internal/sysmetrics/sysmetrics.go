// Package sysmetrics centralizes host resource sampling (CPU, memory,
// goroutine count) the way the teacher's
// ws/internal/shared/monitoring/system_monitor.go does: measure once on
// an interval, let every interested component read the latest snapshot
// instead of sampling independently.
package sysmetrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	CapturedAt  time.Time
}

// Monitor samples host resource usage on an interval and keeps the
// latest Snapshot available lock-free via atomic.Value.
type Monitor struct {
	logger   zerolog.Logger
	interval time.Duration
	current  atomic.Value // Snapshot

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Monitor. Call Start to begin sampling.
func New(logger zerolog.Logger, interval time.Duration) *Monitor {
	m := &Monitor{logger: logger.With().Str("component", "sysmetrics").Logger(), interval: interval, stop: make(chan struct{})}
	m.current.Store(Snapshot{})
	return m
}

// Start begins periodic sampling until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Latest returns the most recent Snapshot.
func (m *Monitor) Latest() Snapshot {
	return m.current.Load().(Snapshot)
}

func (m *Monitor) sample() {
	snap := Snapshot{Goroutines: runtime.NumGoroutine(), CapturedAt: time.Now()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryBytes = vm.Used
	} else {
		m.logger.Debug().Err(err).Msg("memory sample failed")
	}

	m.current.Store(snap)
}

// Overloaded reports whether the latest snapshot exceeds the given CPU
// percent threshold. Nothing in this module calls it, so no worker pool
// sheds load on it.
func (m *Monitor) Overloaded(cpuRejectThreshold float64) bool {
	return m.Latest().CPUPercent >= cpuRejectThreshold
}
