package scheduler

import (
	"fmt"
	"strings"
)

// Manager is the Auto-Calibration Manager: it owns the RTF Monitor, Buffer
// Gauge, Demand Controller, and Concurrency Governor, and wires them to a
// Coordinator so concurrency self-tunes from observed synthesis performance
// and playback buffer health. Construct one per active book session.
type Manager struct {
	cfg    Config
	logger Logger

	coordinator *Coordinator
	rtf         *RTFMonitor
	gauge       *BufferGauge
	demand      *DemandController
	governor    *ConcurrencyGovernor

	probe DeviceProbe
	caps  DeviceCapabilities
}

// ManagerDeps are the collaborators a Manager is assembled from. BufferedAheadMs,
// PlaybackRate, and IsPlaying feed the Buffer Gauge; Probe is optional (nil
// skips device probing, and the Demand Controller then runs with a maximum
// concurrency of 2 and a baseline of 1).
type ManagerDeps struct {
	Synth           Synthesizer
	Cache           Cache
	Probe           DeviceProbe
	BufferedAheadMs func() int64
	PlaybackRate    func() float64
	IsPlaying       func() bool
	Logger          Logger
}

// NewManager builds a Manager and its Coordinator, but does not start the
// Buffer Gauge ticker; call Start for that.
func NewManager(cfg Config, deps ManagerDeps) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = &NoOpLogger{}
	}

	coord, err := NewCoordinator(deps.Synth, deps.Cache, cfg, deps.Logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		logger:      deps.Logger,
		coordinator: coord,
		rtf:         NewRTFMonitor(cfg.RTFWindowSize),
		governor:    NewConcurrencyGovernor(nil),
		probe:       deps.Probe,
	}

	maxConcurrency, baselineConcurrency := m.resolveDeviceBounds()
	m.demand = NewDemandController(baselineConcurrency, maxConcurrency, cfg.CooldownPeriod, m.applyDemandChange)
	m.governor.SetConcurrency(m.demand.Current(), DemandAdequate)

	if deps.BufferedAheadMs != nil && deps.PlaybackRate != nil && deps.IsPlaying != nil {
		m.gauge = NewBufferGauge(deps.BufferedAheadMs, deps.PlaybackRate, deps.IsPlaying, cfg.SampleInterval, m.demand.HandleSignal, deps.Logger)
	}

	// New engine semaphores inherit the demand controller's current target
	// immediately.
	coord.SetOnSemaphoreCreated(m.RegisterSemaphore)
	coord.SetOnSynthesisComplete(m.RecordSynthesis)
	m.Initialize()

	return m, nil
}

// Initialize re-syncs the Governor against every engine semaphore the
// Coordinator already knows about. NewManager calls this once; it is safe
// (and idempotent) to call again after driving the Coordinator directly,
// e.g. in tests that bypass ManagerDeps wiring.
func (m *Manager) Initialize() {
	for engine, sem := range m.coordinator.Engines() {
		m.RegisterSemaphore(engine, sem)
	}
}

func (m *Manager) resolveDeviceBounds() (maxConcurrency, baselineConcurrency int) {
	if m.probe == nil {
		return 2, 1
	}
	m.caps = m.probe.Capabilities()
	max := m.caps.RecommendedMaxConcurrency
	if max <= 0 {
		max = m.caps.PerfCoresEstimate
	}
	max = clampMaxConcurrency(max, m.caps.BatteryOptimized)
	baseline := m.caps.SuggestedBaselineConcurrency
	if baseline <= 0 {
		baseline = clampBaselineConcurrency(max)
	}
	return max, baseline
}

// Start begins periodic buffer sampling, if a Buffer Gauge was built (i.e.
// all three playback callbacks were supplied).
func (m *Manager) Start() {
	if m.gauge != nil {
		m.gauge.Start()
	}
}

// Stop halts buffer sampling and disposes the Coordinator.
func (m *Manager) Stop() {
	if m.gauge != nil {
		m.gauge.Stop()
	}
	m.coordinator.Dispose()
}

// Coordinator exposes the underlying Coordinator for the player layer to
// drive queue operations and subscribe to events.
func (m *Manager) Coordinator() *Coordinator {
	return m.coordinator
}

// applyDemandChange is the Demand Controller's onChange callback: it pushes
// the new target concurrency to every known engine semaphore.
func (m *Manager) applyDemandChange(newLevel int, reason DemandLevel) {
	m.governor.SetConcurrency(newLevel, reason)
}

// RecordSynthesis feeds one completed, non-cache-hit synthesis into the RTF
// Monitor, tagged with the concurrency level in effect at observation time.
// The Coordinator invokes this automatically via SetOnSynthesisComplete;
// it is exported so tests and alternative wiring can drive it directly.
func (m *Manager) RecordSynthesis(req SynthesisRequest, synthTimeMs, audioDurationMs int64, engine EngineID) {
	m.rtf.Record(float64(audioDurationMs), float64(synthTimeMs), m.demand.Current(), engine, req.VoiceID)
}

// RegisterSemaphore wires an engine's DynamicSemaphore into the Governor,
// immediately applying the Demand Controller's current target to it. The
// Coordinator invokes this automatically via SetOnSemaphoreCreated.
func (m *Manager) RegisterSemaphore(engine EngineID, sem *DynamicSemaphore) {
	m.governor.Register(engine, sem)
}

// UpdateBaseline changes the Adequate-level concurrency target, e.g. after a
// settings change or a fresh device probe.
func (m *Manager) UpdateBaseline(n int) {
	m.demand.SetBaselineConcurrency(n)
}

// RefreshDeviceCapabilities re-probes the device and pushes any resulting
// ceiling change into the Demand Controller. Call this on app-lifecycle
// events like entering low-power mode.
func (m *Manager) RefreshDeviceCapabilities() {
	if m.probe == nil {
		return
	}
	maxConcurrency, baselineConcurrency := m.resolveDeviceBounds()
	m.demand.SetMaxConcurrency(maxConcurrency)
	m.demand.SetBaselineConcurrency(baselineConcurrency)
	if m.gauge != nil {
		m.gauge.ForceSample()
	}
}

// ManagerSnapshot is a debugging aid surfacing the full internal state of
// the calibration subsystem at a point in time.
type ManagerSnapshot struct {
	Stats       Stats
	RTF         RTFStats
	DemandLevel int
	Engines     map[EngineID]EngineStatus
	ChangeLog   []ChangeEvent
}

// DebugSnapshot assembles a full point-in-time view for diagnostics UIs and
// bug reports.
func (m *Manager) DebugSnapshot() ManagerSnapshot {
	return ManagerSnapshot{
		Stats:       m.coordinator.Stats(),
		RTF:         m.rtf.Statistics(),
		DemandLevel: m.demand.Current(),
		Engines:     m.governor.Status(),
		ChangeLog:   m.governor.ChangeLog(),
	}
}

// Advisory renders a short human-readable summary of current synthesis
// health, suitable for a settings screen or support ticket ("why is my
// audiobook buffering?").
func (m *Manager) Advisory() string {
	stats := m.rtf.Statistics()
	var b strings.Builder

	if stats.Count == 0 {
		b.WriteString("No synthesis timing data yet.")
	} else {
		fmt.Fprintf(&b, "Synthesis RTF: mean %.2f, p95 %.2f over %d samples.", stats.Mean, stats.P95, stats.Count)
		if !m.rtf.IsStable() {
			b.WriteString(" Performance is variable right now.")
		}
	}

	maxRate := m.rtf.MaxSustainablePlaybackRate()
	fmt.Fprintf(&b, " Estimated max sustainable playback rate: %.2fx.", maxRate)

	snap := m.coordinator.Stats()
	if snap.CurrentQueue > 0 || snap.InFlight > 0 {
		fmt.Fprintf(&b, " %d queued, %d in flight.", snap.CurrentQueue, snap.InFlight)
	}

	for engine, status := range m.governor.Status() {
		if status.UnderPressure {
			fmt.Fprintf(&b, " Engine %q is under pressure (%d/%d active, %d waiting).", engine, status.Active, status.Capacity, status.Waiting)
		}
	}

	return b.String()
}
