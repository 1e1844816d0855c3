package scheduler

import (
	"sync"
	"time"
)

// DemandController consumes DemandSignals and decides a target concurrency
// level, applying hysteresis and a cooldown so the Governor doesn't thrash.
type DemandController struct {
	mu                  sync.Mutex
	current             int
	maxConcurrency      int
	baselineConcurrency int
	cooldown            time.Duration
	lastChangeAt        time.Time
	onChange            func(newLevel int, reason DemandLevel)
}

// NewDemandController builds a controller starting at baselineConcurrency.
func NewDemandController(baselineConcurrency, maxConcurrency int, cooldown time.Duration, onChange func(newLevel int, reason DemandLevel)) *DemandController {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if baselineConcurrency < 1 {
		baselineConcurrency = 1
	}
	if baselineConcurrency > maxConcurrency {
		baselineConcurrency = maxConcurrency
	}
	return &DemandController{
		current:             baselineConcurrency,
		maxConcurrency:      maxConcurrency,
		baselineConcurrency: baselineConcurrency,
		cooldown:            cooldown,
		onChange:            onChange,
	}
}

// Current returns the controller's current target concurrency.
func (c *DemandController) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetMaxConcurrency updates the device ceiling. If the current target now
// exceeds it, the next HandleSignal call forces a downshift; this setter
// does not itself emit a change.
func (c *DemandController) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxConcurrency = n
}

// SetBaselineConcurrency updates the Adequate-level target.
func (c *DemandController) SetBaselineConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baselineConcurrency = n
}

// HandleSignal applies the demand-level decision rule and invokes onChange
// only when the target actually moves.
func (c *DemandController) HandleSignal(sig DemandSignal) {
	c.mu.Lock()

	now := sig.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	bypassesCooldown := sig.Level.BypassesCooldown()
	withinCooldown := !bypassesCooldown && !c.lastChangeAt.IsZero() && now.Sub(c.lastChangeAt) < c.cooldown

	target := c.current
	switch sig.Level {
	case DemandEmergency:
		target = c.maxConcurrency
	case DemandCritical:
		target = min(c.current+1, c.maxConcurrency)
	case DemandLow:
		if !withinCooldown {
			target = min(c.current+1, c.maxConcurrency)
		}
	case DemandAdequate:
		if !withinCooldown {
			target = c.baselineConcurrency
		}
	case DemandComfortable:
		if !withinCooldown {
			target = max(c.current-1, 1)
		}
	}

	// Device ceiling may have shrunk since the last decision; always clamp.
	if target > c.maxConcurrency {
		target = c.maxConcurrency
	}
	if target < 1 {
		target = 1
	}

	if target == c.current {
		c.mu.Unlock()
		return
	}

	c.current = target
	c.lastChangeAt = now
	onChange := c.onChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(target, sig.Level)
	}
}
