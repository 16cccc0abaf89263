package quality

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/observability/metrics"
	"speech-orchestrator/internal/resource"
)

// AdaptationObserver is notified after each committed adaptation.
type AdaptationObserver func(before, after Settings, res resource.Snapshot, reason string)

// Manager owns the resource monitor, predictor, and adaptation engine,
// and runs the background adaptation loop.
type Manager struct {
	mu sync.Mutex

	monitor   *resource.Monitor
	predictor *Predictor
	engine    *AdaptationEngine

	current      Settings
	lastSnapshot resource.Snapshot
	lastAdapted  time.Time
	adaptiveMode bool

	interval    time.Duration
	pendingFn   func() int
	observer    AdaptationObserver
	totalCycles int
	totalCommit int

	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewManager builds a manager from config over the given probe.
func NewManager(cfg config.AdaptiveQualityConfig, probe resource.Probe) (*Manager, error) {
	engine := NewAdaptationEngine()
	if err := engine.SetStrategy(cfg.Strategy); err != nil {
		return nil, err
	}
	minLevel, err := ParseLevel(cfg.MinLevel)
	if err != nil {
		return nil, err
	}
	maxLevel, err := ParseLevel(cfg.MaxLevel)
	if err != nil {
		return nil, err
	}
	engine.SetBounds(minLevel, maxLevel)
	engine.SetPredictiveEnabled(cfg.PredictiveEnabled)

	predictor := NewPredictor()
	engine.SetRecommender(predictor.RecommendedQuality)

	monitor := resource.NewMonitor(probe)
	monitor.SetThresholds(cfg.CPUThreshold, cfg.MemoryThreshold, cfg.GPUThreshold)

	interval := time.Duration(cfg.AdaptationIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	m := &Manager{
		monitor:      monitor,
		predictor:    predictor,
		engine:       engine,
		current:      DefaultSettingsFor(Medium),
		adaptiveMode: true,
		interval:     interval,
		pendingFn:    func() int { return 0 },
		metrics:      metrics.DefaultMetrics,
		log:          logging.WithComponent("adaptive-quality-manager"),
	}
	// Baseline snapshot; not an adaptation.
	m.lastSnapshot = monitor.CurrentSnapshot()
	return m, nil
}

// SetPendingFunc installs the pending-load source (typically the
// orchestrator's in-flight request count).
func (m *Manager) SetPendingFunc(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.pendingFn = fn
	}
}

// SetObserver installs the committed-adaptation callback.
func (m *Manager) SetObserver(obs AdaptationObserver) {
	m.mu.Lock()
	m.observer = obs
	m.mu.Unlock()
}

// Start launches background monitoring and the adaptation loop.
func (m *Manager) Start(monitorInterval time.Duration) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.monitor.StartMonitoring(monitorInterval)
	m.done.Add(1)
	go m.adaptationLoop()
}

// Stop halts the loop and the monitor. Idempotent; waits for workers
// to join.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.done.Wait()
	m.monitor.StopMonitoring()
}

func (m *Manager) adaptationLoop() {
	defer m.done.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Adapt()
		}
	}
}

// shouldAdapt requires the interval to have elapsed and a meaningful
// resource movement since the last committed snapshot.
func (m *Manager) shouldAdapt(snap resource.Snapshot) bool {
	if time.Since(m.lastAdapted) < m.interval {
		return false
	}
	deltaCPU := snap.CPUUsage - m.lastSnapshot.CPUUsage
	deltaMem := snap.MemoryUsage - m.lastSnapshot.MemoryUsage
	return snap.Constrained || deltaCPU > 0.2 || deltaCPU < -0.2 || deltaMem > 0.2 || deltaMem < -0.2
}

// Adapt runs one adaptation cycle: sample, gate, derive, commit.
// Returns true when a new setting was committed.
func (m *Manager) Adapt() bool {
	snap := m.monitor.Refresh()

	m.mu.Lock()
	m.totalCycles++
	if !m.adaptiveMode || !m.shouldAdapt(snap) {
		level := m.current.Level
		m.mu.Unlock()
		m.metrics.RecordAdaptation(false, int(level), snap.Constrained)
		return false
	}
	before := m.current
	pending := m.pendingFn()
	m.mu.Unlock()

	after := m.engine.Adapt(before, snap, pending)

	m.mu.Lock()
	m.current = after
	m.lastSnapshot = snap
	m.lastAdapted = time.Now()
	m.totalCommit++
	obs := m.observer
	m.mu.Unlock()

	reason := "resource movement"
	if snap.Constrained {
		reason = "resources constrained"
	}
	if after.Level != before.Level {
		m.log.Info().
			Str("before", before.Level.String()).
			Str("after", after.Level.String()).
			Str("reason", reason).
			Float64("cpu", snap.CPUUsage).
			Float64("memory", snap.MemoryUsage).
			Int("pending", pending).
			Msg("quality level adapted")
	}
	m.metrics.RecordAdaptation(true, int(after.Level), snap.Constrained)

	if obs != nil {
		obs(before, after, snap, reason)
	}
	return true
}

// CurrentSettings returns a copy of the committed settings.
func (m *Manager) CurrentSettings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetQualityLevel pins the level manually and disables adaptation until
// SetAdaptiveMode(true).
func (m *Manager) SetQualityLevel(l Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = DefaultSettingsFor(l)
	m.adaptiveMode = false
	m.log.Info().Str("level", l.String()).Msg("quality level pinned manually, adaptation bypassed")
}

// SetAdaptiveMode re-enables or disables the adaptation loop's effect.
func (m *Manager) SetAdaptiveMode(enabled bool) {
	m.mu.Lock()
	m.adaptiveMode = enabled
	m.mu.Unlock()
}

// Predict proxies to the predictor with the latest snapshot.
func (m *Manager) Predict(s Settings, audioLength int) Prediction {
	return m.predictor.Predict(s, m.monitor.CurrentSnapshot(), audioLength)
}

// RecordActualPerformance feeds an observed outcome into the predictor.
func (m *Manager) RecordActualPerformance(s Settings, audioLength int, actualLatencyMs, actualAccuracy float64) {
	m.mu.Lock()
	snap := m.lastSnapshot
	m.mu.Unlock()
	m.predictor.Record(s, snap, audioLength, actualLatencyMs, actualAccuracy)
	m.metrics.PredictorRecords.Inc()
}

// Predictor exposes the predictor for model export/import.
func (m *Manager) Predictor() *Predictor { return m.predictor }

// Monitor exposes the resource monitor.
func (m *Manager) Monitor() *resource.Monitor { return m.monitor }

// ManagerStats is the adaptation statistics document.
type ManagerStats struct {
	TotalCycles      int               `json:"totalCycles"`
	CommittedCycles  int               `json:"committedCycles"`
	AdaptiveMode     bool              `json:"adaptiveMode"`
	CurrentSettings  Settings          `json:"currentSettings"`
	LastSnapshot     resource.Snapshot `json:"lastSnapshot"`
	PredictorSamples int               `json:"predictorSamples"`
}

// Stats returns the adaptation statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		TotalCycles:      m.totalCycles,
		CommittedCycles:  m.totalCommit,
		AdaptiveMode:     m.adaptiveMode,
		CurrentSettings:  m.current,
		LastSnapshot:     m.lastSnapshot,
		PredictorSamples: m.predictor.SampleCount(),
	}
}

// StatsJSON renders Stats as JSON.
func (m *Manager) StatsJSON() []byte {
	b, _ := json.Marshal(m.Stats())
	return b
}
