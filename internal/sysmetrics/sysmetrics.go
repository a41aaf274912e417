// Package sysmetrics derives the effective worker concurrency limit from
// host CPU load and free memory.
//
// The monitor is sampled before every admission decision, so Update must
// stay cheap: one read of /proc/loadavg and one sysinfo call. Sampling
// errors collapse to the previously observed values rather than failing
// the admission path.
package sysmetrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

const (
	// loadThreshold is the per-core 1-minute load above which one worker
	// slot is shed.
	loadThreshold = 0.8
	// memThreshold is the free/total memory ratio below which one worker
	// slot is shed.
	memThreshold = 0.2
)

// Stats is a snapshot of the monitor for observability surfaces.
type Stats struct {
	CurrentMax      int     `json:"currentMax"`
	BaseMax         int     `json:"baseMax"`
	CPUUsagePercent float64 `json:"cpuUsage"`
	MemoryFreePct   float64 `json:"memoryFree"`
}

// Monitor publishes the effective max-concurrent-workers value.
// All methods are safe for concurrent use.
type Monitor struct {
	baseMax int

	mu         sync.Mutex
	currentMax int
	loadPerCPU float64
	memFree    float64

	// sample is swappable for tests.
	sample func() (loadPerCPU, memFreeRatio float64, ok bool)
}

// New creates a Monitor with the given base concurrency. Base values
// below 1 are clamped to 1.
func New(baseMax int) *Monitor {
	if baseMax < 1 {
		baseMax = 1
	}
	return &Monitor{
		baseMax:    baseMax,
		currentMax: baseMax,
		memFree:    1,
		sample:     sampleHost,
	}
}

// Update resamples the host and returns the effective concurrency limit:
// baseMax, minus one under CPU pressure, minus one under memory pressure,
// clamped into [1, baseMax].
func (m *Monitor) Update() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if load, memFree, ok := m.sample(); ok {
		m.loadPerCPU = load
		m.memFree = memFree
	}

	max := m.baseMax
	if m.loadPerCPU > loadThreshold {
		max--
	}
	if m.memFree < memThreshold {
		max--
	}
	if max < 1 {
		max = 1
	}
	m.currentMax = max
	return max
}

// Current returns the last computed limit without resampling.
func (m *Monitor) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentMax
}

// Stats returns a snapshot for /status and the /queue command.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		CurrentMax:      m.currentMax,
		BaseMax:         m.baseMax,
		CPUUsagePercent: m.loadPerCPU * 100,
		MemoryFreePct:   m.memFree * 100,
	}
}

// sampleHost reads the 1-minute load average per core and the free
// memory ratio. ok is false when either source is unavailable; callers
// then keep the previous values.
func sampleHost() (loadPerCPU, memFreeRatio float64, ok bool) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, 0, false
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, false
	}

	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil || info.Totalram == 0 {
		return 0, 0, false
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := float64(uint64(info.Freeram)*unit) / float64(uint64(info.Totalram)*unit)
	return load1 / float64(runtime.NumCPU()), free, true
}
