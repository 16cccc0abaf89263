// Package resource samples system utilization and tracks rolling snapshots.
// The Probe capability is the system boundary; OS-level sampling lives
// behind it and is supplied by the host process.
package resource

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Snapshot is a point-in-time view of system resources.
// Usage values are in [0, 1]. Constrained reflects the thresholds that
// were configured at sample time.
type Snapshot struct {
	CPUUsage             float64   `json:"cpuUsage"`
	MemoryUsage          float64   `json:"memoryUsage"`
	GPUUsage             float64   `json:"gpuUsage"`
	ActiveTranscriptions int       `json:"activeTranscriptions"`
	AverageLatencyMs     float64   `json:"averageLatencyMs"`
	Constrained          bool      `json:"constrained"`
	AvailableMemoryMB    int       `json:"availableMemoryMB"`
	TotalMemoryMB        int       `json:"totalMemoryMB"`
	SampledAt            time.Time `json:"sampledAt"`
}

// Probe samples raw utilization from the host.
type Probe interface {
	// Sample returns current utilization. An error leaves the monitor on
	// its last-known-good snapshot.
	Sample() (Snapshot, error)
}

// StaticProbe returns fixed values on every sample. It serves as the
// cross-platform fallback and as a test double.
type StaticProbe struct {
	CPU     float64
	Memory  float64
	GPU     float64
	FreeMB  int
	TotalMB int
	Err     error
}

// Sample implements Probe.
func (p *StaticProbe) Sample() (Snapshot, error) {
	if p.Err != nil {
		return Snapshot{}, p.Err
	}
	return Snapshot{
		CPUUsage:          p.CPU,
		MemoryUsage:       p.Memory,
		GPUUsage:          p.GPU,
		AvailableMemoryMB: p.FreeMB,
		TotalMemoryMB:     p.TotalMB,
		SampledAt:         time.Now(),
	}, nil
}

// HostProbe samples the local host: memory from the Go runtime against
// a configured budget, CPU from the 1-minute load average where the
// platform exposes /proc/loadavg. GPU sampling is not available and
// reads zero.
type HostProbe struct {
	// TotalMB is the memory budget the process is allowed to use.
	TotalMB int
}

// Sample implements Probe.
func (p *HostProbe) Sample() (Snapshot, error) {
	totalMB := p.TotalMB
	if totalMB <= 0 {
		totalMB = 2048
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := int(ms.HeapAlloc / (1024 * 1024))
	memUsage := float64(usedMB) / float64(totalMB)
	if memUsage > 1 {
		memUsage = 1
	}

	return Snapshot{
		CPUUsage:          loadAverageRatio(),
		MemoryUsage:       memUsage,
		AvailableMemoryMB: totalMB - usedMB,
		TotalMemoryMB:     totalMB,
		SampledAt:         time.Now(),
	}, nil
}

// loadAverageRatio returns load1/NumCPU clamped to [0, 1], or 0 when
// the platform has no /proc/loadavg.
func loadAverageRatio() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	ratio := load1 / float64(runtime.NumCPU())
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}

// SequenceProbe replays a fixed sequence of snapshots, then repeats the
// last one. Used to script resource trajectories in tests.
type SequenceProbe struct {
	Samples []Snapshot
	index   int
}

// Sample implements Probe.
func (p *SequenceProbe) Sample() (Snapshot, error) {
	if len(p.Samples) == 0 {
		return Snapshot{SampledAt: time.Now()}, nil
	}
	s := p.Samples[p.index]
	if p.index < len(p.Samples)-1 {
		p.index++
	}
	s.SampledAt = time.Now()
	return s, nil
}
