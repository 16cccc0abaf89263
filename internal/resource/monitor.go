package resource

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/observability/logging"
)

const maxHistorySize = 1000

// Thresholds are the constraint limits applied to each snapshot.
type Thresholds struct {
	CPU    float64
	Memory float64
	GPU    float64
}

// DefaultThresholds returns 0.8 for every resource.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 0.8, Memory: 0.8, GPU: 0.8}
}

// Monitor polls a Probe on a fixed interval and maintains a bounded
// history of snapshots. A probe failure yields the last-known-good
// snapshot with a warning; the monitor never aborts the host.
type Monitor struct {
	mu         sync.Mutex
	probe      Probe
	thresholds Thresholds
	interval   time.Duration
	history    []Snapshot
	current    Snapshot
	hasCurrent bool

	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup

	log zerolog.Logger
}

// NewMonitor creates a monitor over the given probe.
func NewMonitor(probe Probe) *Monitor {
	return &Monitor{
		probe:      probe,
		thresholds: DefaultThresholds(),
		interval:   time.Second,
		log:        logging.WithComponent("resource-monitor"),
	}
}

// SetThresholds updates the constraint limits applied to future samples.
func (m *Monitor) SetThresholds(cpu, memory, gpu float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = Thresholds{CPU: cpu, Memory: memory, GPU: gpu}
}

// StartMonitoring begins background sampling at the given interval.
func (m *Monitor) StartMonitoring(interval time.Duration) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	m.interval = interval
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.done.Add(1)
	go m.loop()
}

// StopMonitoring stops the sampling worker and waits for it to join.
// Idempotent.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.done.Wait()
}

func (m *Monitor) loop() {
	defer m.done.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample reads the probe and appends to the bounded history.
func (m *Monitor) sample() {
	raw, err := m.probe.Sample()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Msg("probe sample failed, keeping last known snapshot")
		if m.hasCurrent {
			return
		}
		raw = Snapshot{SampledAt: time.Now()}
	}

	raw.Constrained = m.constrainedLocked(raw)
	m.current = raw
	m.hasCurrent = true

	m.history = append(m.history, raw)
	if len(m.history) > maxHistorySize {
		m.history = m.history[len(m.history)-maxHistorySize:]
	}
}

func (m *Monitor) constrainedLocked(s Snapshot) bool {
	return s.CPUUsage > m.thresholds.CPU ||
		s.MemoryUsage > m.thresholds.Memory ||
		s.GPUUsage > m.thresholds.GPU
}

// Refresh forces a probe read and returns the resulting snapshot.
func (m *Monitor) Refresh() Snapshot {
	m.sample()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentSnapshot returns the latest snapshot, triggering a fresh probe
// read when the cached value is older than half the monitoring interval.
func (m *Monitor) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	stale := !m.hasCurrent || time.Since(m.current.SampledAt) > m.interval/2
	m.mu.Unlock()

	if stale {
		m.sample()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsConstrained reports whether the latest snapshot exceeded any threshold.
func (m *Monitor) IsConstrained() bool {
	return m.CurrentSnapshot().Constrained
}

// History returns the last n snapshots, oldest first.
func (m *Monitor) History(n int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]Snapshot, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}
