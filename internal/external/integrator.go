package external

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/observability/metrics"
)

// unhealthyAfter is the consecutive health-check failures that mark a
// service unhealthy.
const unhealthyAfter = 3

// HealthTransition is invoked when a service flips healthy state.
type HealthTransition func(service string, healthy bool)

// serviceEntry is the integrator's bookkeeping for one service.
type serviceEntry struct {
	t Transcriber

	healthy             bool
	consecutiveFailures int

	calls      int
	successes  int
	failures   int
	latencySum float64

	costPerMinute float64
	usageSeconds  float64
	accruedCost   float64
	costDay       time.Time
}

// ServiceUsage is the reported usage document for one service.
type ServiceUsage struct {
	Calls        int     `json:"calls"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"successRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Healthy      bool    `json:"healthy"`
	UsageSeconds float64 `json:"usageSeconds"`
	AccruedCost  float64 `json:"accruedCost"`
}

// Integrator coordinates a set of external transcription services:
// ordered fallback, parallel fusion, background health checks, and
// per-service reliability and cost accounting.
type Integrator struct {
	mu       sync.Mutex
	services map[string]*serviceEntry
	order    []string

	fallbackThreshold float64
	strategy          string
	minForFusion      int
	healthInterval    time.Duration
	requestTimeout    time.Duration
	privacyMode       bool
	weights           map[string]float64

	onTransition HealthTransition

	nextCallID uint64
	pending    map[uint64]*pendingCall

	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// pendingCall tracks one asynchronous request; the callback fires once.
type pendingCall struct {
	once   sync.Once
	cb     func(FallbackOutcome)
	cancel context.CancelFunc
}

func (p *pendingCall) fire(out FallbackOutcome) {
	p.once.Do(func() { p.cb(out) })
}

// NewIntegrator builds an integrator from config. Services are added
// separately with AddService.
func NewIntegrator(cfg config.ExternalServicesConfig) *Integrator {
	healthInterval := time.Duration(cfg.HealthCheckMs) * time.Millisecond
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	requestTimeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	minForFusion := cfg.MinServicesForFuse
	if minForFusion < 2 {
		minForFusion = 2
	}
	weights := map[string]float64{}
	for name, w := range cfg.ServiceWeights {
		weights[name] = w
	}
	return &Integrator{
		services:          map[string]*serviceEntry{},
		fallbackThreshold: cfg.FallbackThreshold,
		strategy:          cfg.FusionStrategy,
		minForFusion:      minForFusion,
		healthInterval:    healthInterval,
		requestTimeout:    requestTimeout,
		privacyMode:       cfg.PrivacyMode,
		weights:           weights,
		pending:           map[uint64]*pendingCall{},
		metrics:           metrics.DefaultMetrics,
		log:               logging.WithComponent("external-integrator"),
	}
}

// AddService registers a transcriber. In privacy mode, non-local
// services are rejected.
func (i *Integrator) AddService(t Transcriber) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.privacyMode && t.Type() != TypeLocal {
		return fmt.Errorf("%w: %s is %s", ErrPrivacyViolation, t.Name(), t.Type())
	}
	if _, ok := i.services[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, t.Name())
	}
	i.services[t.Name()] = &serviceEntry{t: t, healthy: true, costDay: today()}
	i.order = append(i.order, t.Name())
	i.metrics.RecordServiceHealth(t.Name(), true)
	i.log.Info().Str("service", t.Name()).Str("type", t.Type().String()).Msg("external service registered")
	return nil
}

// RemoveService drops a registered service.
func (i *Integrator) RemoveService(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.services[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	delete(i.services, name)
	for idx, n := range i.order {
		if n == name {
			i.order = append(i.order[:idx], i.order[idx+1:]...)
			break
		}
	}
	return nil
}

// SetServiceCost sets the per-minute rate used for cost accounting.
func (i *Integrator) SetServiceCost(name string, perMinute float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	e.costPerMinute = perMinute
	return nil
}

// SetPrivacyMode toggles privacy mode. Enabling it drops every
// registered non-local service.
func (i *Integrator) SetPrivacyMode(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.privacyMode = enabled
	if !enabled {
		return
	}
	kept := i.order[:0]
	for _, name := range i.order {
		if i.services[name].t.Type() == TypeLocal {
			kept = append(kept, name)
			continue
		}
		delete(i.services, name)
		i.log.Warn().Str("service", name).Msg("non-local service dropped by privacy mode")
	}
	i.order = kept
}

// SetHealthTransition installs the healthy-state change callback.
func (i *Integrator) SetHealthTransition(fn HealthTransition) {
	i.mu.Lock()
	i.onTransition = fn
	i.mu.Unlock()
}

// Services returns the registered service names in registration order.
func (i *Integrator) Services() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.order...)
}

// TranscribeWithFallback tries the preferred services in order and
// accepts the first result whose confidence clears the threshold.
func (i *Integrator) TranscribeWithFallback(ctx context.Context, audio []float32, sampleRate int, language string, preferred []string) FallbackOutcome {
	used := 0
	for _, name := range preferred {
		i.mu.Lock()
		entry, ok := i.services[name]
		i.mu.Unlock()
		if !ok || !i.isUsable(entry) {
			continue
		}

		res, err := i.call(ctx, entry, audio, sampleRate, language)
		used++
		if err != nil {
			i.log.Warn().Err(err).Str("service", name).Msg("fallback attempt failed")
			continue
		}
		if res.Confidence >= i.fallbackThreshold {
			i.metrics.FallbackOutcomes.WithLabelValues("fallback_success").Inc()
			return FallbackOutcome{Result: res, Method: "fallback_success", ServicesUsed: used}
		}
	}
	i.metrics.FallbackOutcomes.WithLabelValues("fallback_failed").Inc()
	return FallbackOutcome{Method: "fallback_failed", ServicesUsed: used}
}

// TranscribeWithFusion fans the request out to the named services (all
// usable services when names is empty) and fuses the results with the
// configured strategy.
func (i *Integrator) TranscribeWithFusion(ctx context.Context, audio []float32, sampleRate int, language string, names []string) (FusionOutcome, error) {
	i.mu.Lock()
	if len(names) == 0 {
		names = append([]string(nil), i.order...)
	}
	var entries []*serviceEntry
	for _, name := range names {
		if e, ok := i.services[name]; ok && i.isUsableLocked(e) {
			entries = append(entries, e)
		}
	}
	strategy := i.strategy
	min := i.minForFusion
	i.mu.Unlock()

	if len(entries) < min {
		return FusionOutcome{}, fmt.Errorf("%w: %d usable, need %d", ErrNotEnoughServices, len(entries), min)
	}

	results := make([]Result, len(entries))
	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for idx, entry := range entries {
		wg.Add(1)
		go func(idx int, entry *serviceEntry) {
			defer wg.Done()
			results[idx], errs[idx] = i.call(ctx, entry, audio, sampleRate, language)
		}(idx, entry)
	}
	wg.Wait()

	var ok []Result
	for idx := range results {
		if errs[idx] == nil {
			ok = append(ok, results[idx])
		}
	}
	if len(ok) < min {
		return FusionOutcome{}, fmt.Errorf("%w: %d succeeded, need %d", ErrNotEnoughServices, len(ok), min)
	}

	fused := i.fuse(strategy, ok)
	i.metrics.FusionOutcomes.WithLabelValues(strategy).Inc()
	return FusionOutcome{Result: fused, Method: strategy, Sources: ok, ServicesUsed: len(ok)}, nil
}

// TranscribeWithFallbackAsync runs the fallback on a worker goroutine.
// The callback fires exactly once, either with the outcome or, after
// CancelAll, with an empty cancelled outcome.
func (i *Integrator) TranscribeWithFallbackAsync(audio []float32, sampleRate int, language string, preferred []string, cb func(FallbackOutcome)) uint64 {
	ctx, cancel := context.WithCancel(context.Background())
	call := &pendingCall{cb: cb, cancel: cancel}

	i.mu.Lock()
	i.nextCallID++
	id := i.nextCallID
	i.pending[id] = call
	i.mu.Unlock()

	go func() {
		out := i.TranscribeWithFallback(ctx, audio, sampleRate, language, preferred)

		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()

		if ctx.Err() != nil {
			out = FallbackOutcome{Method: "cancelled"}
		}
		call.fire(out)
	}()
	return id
}

// CancelAll aborts every pending asynchronous request. Each pending
// callback fires once with an empty cancelled outcome.
func (i *Integrator) CancelAll() {
	i.mu.Lock()
	pending := make([]*pendingCall, 0, len(i.pending))
	for id, p := range i.pending {
		pending = append(pending, p)
		delete(i.pending, id)
	}
	i.mu.Unlock()

	for _, p := range pending {
		p.cancel()
		p.fire(FallbackOutcome{Method: "cancelled"})
	}
}

// call invokes one service with the per-request timeout and records
// reliability and cost.
func (i *Integrator) call(ctx context.Context, entry *serviceEntry, audio []float32, sampleRate int, language string) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.requestTimeout)
	defer cancel()

	start := time.Now()
	res, err := entry.t.Transcribe(callCtx, audio, sampleRate, language)
	elapsed := time.Since(start)

	audioSeconds := 0.0
	if sampleRate > 0 {
		audioSeconds = float64(len(audio)) / float64(sampleRate)
	}

	i.mu.Lock()
	entry.calls++
	entry.latencySum += float64(elapsed.Milliseconds())
	if day := today(); !entry.costDay.Equal(day) {
		entry.costDay = day
		entry.usageSeconds = 0
		entry.accruedCost = 0
	}
	if err != nil {
		entry.failures++
	} else {
		entry.successes++
		entry.usageSeconds += audioSeconds
		entry.accruedCost += audioSeconds / 60 * entry.costPerMinute
	}
	i.mu.Unlock()

	i.metrics.RecordServiceCall(entry.t.Name(), err, elapsed.Seconds())
	if err != nil {
		return Result{}, err
	}
	res.Service = entry.t.Name()
	res.LatencyMs = float64(elapsed.Milliseconds())
	return res, nil
}

func (i *Integrator) isUsable(entry *serviceEntry) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isUsableLocked(entry)
}

func (i *Integrator) isUsableLocked(entry *serviceEntry) bool {
	return entry.healthy && !entry.t.RateLimitStatus().Limited
}

// fuse combines successful results per the strategy. Unknown strategy
// names degrade to best_confidence.
func (i *Integrator) fuse(strategy string, results []Result) Result {
	switch strategy {
	case "confidence_weighted":
		return i.fuseConfidenceWeighted(results)
	case "majority_vote":
		return i.fuseMajorityVote(results)
	default:
		return fuseBestConfidence(results)
	}
}

// fuseConfidenceWeighted picks the single result with the highest
// weight × confidence score; the fused confidence is the weight-
// normalized mean, Σ(confidence × weight) / Σweight.
func (i *Integrator) fuseConfidenceWeighted(results []Result) Result {
	bestText := ""
	bestScore := -1.0
	weightedConf := 0.0
	totalWeight := 0.0
	for _, r := range results {
		w, ok := i.weights[r.Service]
		if !ok {
			w = 1.0
		}
		score := w * r.Confidence
		weightedConf += score
		totalWeight += w
		if score > bestScore {
			bestScore = score
			bestText = r.Text
		}
	}

	conf := 0.0
	if totalWeight > 0 {
		conf = weightedConf / totalWeight
	}
	return Result{
		Text:       bestText,
		Confidence: conf,
		Service:    "fusion",
	}
}

// fuseMajorityVote picks the most frequent text, breaking ties by total
// confidence; the fused confidence is the mean over the winning votes.
func (i *Integrator) fuseMajorityVote(results []Result) Result {
	votes := map[string]int{}
	confSum := map[string]float64{}
	for _, r := range results {
		votes[r.Text]++
		confSum[r.Text] += r.Confidence
	}

	texts := make([]string, 0, len(votes))
	for t := range votes {
		texts = append(texts, t)
	}
	sort.Strings(texts)

	best := texts[0]
	for _, t := range texts[1:] {
		if votes[t] > votes[best] ||
			(votes[t] == votes[best] && confSum[t] > confSum[best]) {
			best = t
		}
	}
	return Result{
		Text:       best,
		Confidence: confSum[best] / float64(votes[best]),
		Service:    "fusion",
	}
}

func fuseBestConfidence(results []Result) Result {
	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	best.Service = "fusion"
	return best
}

// StartHealthMonitor launches the periodic health-check worker.
func (i *Integrator) StartHealthMonitor() {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return
	}
	i.running = true
	i.stopCh = make(chan struct{})
	i.mu.Unlock()

	i.done.Add(1)
	go i.healthLoop()
}

// Stop halts the health monitor and cancels pending requests.
func (i *Integrator) Stop() {
	i.mu.Lock()
	if i.running {
		i.running = false
		close(i.stopCh)
	}
	i.mu.Unlock()

	i.done.Wait()
	i.CancelAll()
}

func (i *Integrator) healthLoop() {
	defer i.done.Done()

	ticker := time.NewTicker(i.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stopCh:
			return
		case <-ticker.C:
			i.CheckAllHealth(context.Background())
		}
	}
}

// CheckAllHealth probes every service once and applies the transition
// rules: unhealthyAfter consecutive failures mark a service unhealthy,
// the first success restores it.
func (i *Integrator) CheckAllHealth(ctx context.Context) {
	i.mu.Lock()
	names := append([]string(nil), i.order...)
	i.mu.Unlock()

	for _, name := range names {
		i.mu.Lock()
		entry, ok := i.services[name]
		i.mu.Unlock()
		if !ok {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, i.requestTimeout)
		err := entry.t.CheckHealth(checkCtx)
		cancel()

		i.applyHealthResult(name, entry, err)
	}
}

func (i *Integrator) applyHealthResult(name string, entry *serviceEntry, err error) {
	i.mu.Lock()
	var transition *bool
	if err != nil {
		entry.consecutiveFailures++
		if entry.healthy && entry.consecutiveFailures >= unhealthyAfter {
			entry.healthy = false
			down := false
			transition = &down
		}
	} else {
		entry.consecutiveFailures = 0
		if !entry.healthy {
			entry.healthy = true
			up := true
			transition = &up
		}
	}
	fn := i.onTransition
	i.mu.Unlock()

	if transition == nil {
		return
	}
	i.metrics.RecordServiceHealth(name, *transition)
	i.log.Warn().Str("service", name).Bool("healthy", *transition).Msg("service health transition")
	if fn != nil {
		fn(name, *transition)
	}
}

// UsageStats reports per-service reliability and cost accounting.
func (i *Integrator) UsageStats() map[string]ServiceUsage {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make(map[string]ServiceUsage, len(i.services))
	for name, e := range i.services {
		u := ServiceUsage{
			Calls:        e.calls,
			Successes:    e.successes,
			Failures:     e.failures,
			Healthy:      e.healthy,
			UsageSeconds: e.usageSeconds,
			AccruedCost:  e.accruedCost,
		}
		if e.calls > 0 {
			u.SuccessRate = float64(e.successes) / float64(e.calls)
			u.AvgLatencyMs = e.latencySum / float64(e.calls)
		}
		out[name] = u
	}
	return out
}

// UsageStatsJSON renders UsageStats as JSON.
func (i *Integrator) UsageStatsJSON() []byte {
	b, _ := json.Marshal(i.UsageStats())
	return b
}

func today() time.Time {
	return time.Now().Truncate(24 * time.Hour)
}
