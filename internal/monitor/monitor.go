// Package monitor provides process statistics, gateway metrics and the
// access log sink.
package monitor

import (
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Monitor samples process and host statistics using gopsutil.
type Monitor struct {
	startTime time.Time
	proc      *process.Process
}

// NewMonitor creates a new Monitor for the current process.
func NewMonitor() *Monitor {
	m := &Monitor{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

// MemoryStats represents host memory usage.
type MemoryStats struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessInfo represents current process information.
type ProcessInfo struct {
	PID         int32   `json:"pid"`
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	OpenFDs     int32   `json:"open_fds"`
}

// RuntimeStats represents Go runtime statistics.
type RuntimeStats struct {
	GoroutineCount int    `json:"goroutine_count"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	NumGC          uint32 `json:"num_gc"`
}

// Stats is the snapshot served by the status endpoint.
type Stats struct {
	Memory    *MemoryStats `json:"memory,omitempty"`
	Process   *ProcessInfo `json:"process,omitempty"`
	GoRuntime RuntimeStats `json:"go_runtime"`
	Uptime    int64        `json:"uptime_seconds"`
	StartTime string       `json:"start_time"`
}

// GetMemoryUsage returns host memory usage.
func (m *Monitor) GetMemoryUsage() (*MemoryStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	return &MemoryStats{
		Total:       vm.Total,
		Used:        vm.Used,
		Available:   vm.Available,
		UsedPercent: vm.UsedPercent,
	}, nil
}

// GetProcessInfo returns current process information.
func (m *Monitor) GetProcessInfo() (*ProcessInfo, error) {
	if m.proc == nil {
		return nil, errors.New("process information unavailable")
	}
	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		return nil, err
	}
	// CPUPercent can fail right after start; report 0.
	cpuPercent, _ := m.proc.CPUPercent()
	fds, _ := m.proc.NumFDs()
	return &ProcessInfo{
		PID:         m.proc.Pid,
		MemoryBytes: memInfo.RSS,
		CPUPercent:  cpuPercent,
		OpenFDs:     fds,
	}, nil
}

// GetGoRuntimeStats returns Go runtime statistics.
func (m *Monitor) GetGoRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      ms.HeapAlloc,
		HeapSys:        ms.HeapSys,
		NumGC:          ms.NumGC,
	}
}

// Uptime returns the time since the monitor was created.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot collects every statistic. Sources that fail are left out.
func (m *Monitor) Snapshot() *Stats {
	s := &Stats{
		GoRuntime: m.GetGoRuntimeStats(),
		Uptime:    int64(m.Uptime().Seconds()),
		StartTime: m.startTime.Format(time.RFC3339),
	}
	if ms, err := m.GetMemoryUsage(); err == nil {
		s.Memory = ms
	}
	if pi, err := m.GetProcessInfo(); err == nil {
		s.Process = pi
	}
	return s
}
