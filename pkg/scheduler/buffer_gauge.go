package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// BufferGauge periodically samples the player's buffered-ahead depth and
// classifies it into a DemandSignal. Constructed with three read callbacks
// that must be side-effect-free and cheap — they're invoked at the sample
// rate (1 Hz by default).
type BufferGauge struct {
	bufferedAheadMs func() int64
	playbackRate    func() float64
	isPlaying       func() bool
	interval        time.Duration
	logger          Logger

	mu          sync.Mutex
	lastLevel   DemandLevel
	haveLevel   bool
	onSignal    func(DemandSignal)
	stopCh      chan struct{}
	running     bool
	failedTicks atomic.Int64
}

// NewBufferGauge constructs a gauge. onSignal is invoked synchronously from
// the sampling goroutine (or from ForceSample's caller goroutine) every time
// a signal is emitted; it must not block.
func NewBufferGauge(bufferedAheadMs func() int64, playbackRate func() float64, isPlaying func() bool, interval time.Duration, onSignal func(DemandSignal), logger Logger) *BufferGauge {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &BufferGauge{
		bufferedAheadMs: bufferedAheadMs,
		playbackRate:    playbackRate,
		isPlaying:       isPlaying,
		interval:        interval,
		onSignal:        onSignal,
		logger:          logger,
	}
}

// Start begins periodic sampling on a background goroutine. No-op if already
// running.
func (g *BufferGauge) Start() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	stop := g.stopCh
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts periodic sampling. No-op if not running.
func (g *BufferGauge) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	close(g.stopCh)
}

// ForceSample triggers one sample synchronously, bypassing the ticker.
func (g *BufferGauge) ForceSample() {
	g.sample()
}

// FailedTicks returns the number of sampling ticks that swallowed a callback
// panic.
func (g *BufferGauge) FailedTicks() int64 {
	return g.failedTicks.Load()
}

func (g *BufferGauge) sample() {
	defer func() {
		if r := recover(); r != nil {
			g.failedTicks.Add(1)
			g.logger.Warn("buffer gauge callback panicked", "recover", r)
		}
	}()

	if !g.isPlaying() {
		return
	}

	bufferedMs := g.bufferedAheadMs()
	rate := g.playbackRate()
	if rate <= 0 {
		rate = 1.0
	}
	effectiveSeconds := float64(bufferedMs) / (1000 * rate)
	level := LevelForEffectiveSeconds(effectiveSeconds)

	g.mu.Lock()
	shouldEmit := !g.haveLevel || level != g.lastLevel || level.BypassesCooldown()
	g.lastLevel = level
	g.haveLevel = true
	g.mu.Unlock()

	if !shouldEmit {
		return
	}

	signal := DemandSignal{
		Level:         level,
		BufferSeconds: effectiveSeconds,
		PlaybackRate:  rate,
		Timestamp:     time.Now(),
	}
	if g.onSignal != nil {
		g.onSignal(signal)
	}
}
