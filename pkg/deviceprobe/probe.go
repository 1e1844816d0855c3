// Package deviceprobe estimates how much synthesis concurrency a device can
// sustain. It stays a black box to the scheduler package: it only ever
// returns a scheduler.DeviceCapabilities snapshot, never pokes at scheduler
// internals.
package deviceprobe

import (
	"runtime"

	"github.com/lokutor-ai/audiobook-ttsched/pkg/scheduler"
)

// SystemProbe derives a capability snapshot from the process's visible CPU
// count. It carries no battery awareness on its own; wrap it in BatteryAware
// on platforms that can report power state.
type SystemProbe struct{}

// NewSystemProbe builds a SystemProbe.
func NewSystemProbe() SystemProbe { return SystemProbe{} }

// Capabilities implements scheduler.DeviceProbe.
func (SystemProbe) Capabilities() scheduler.DeviceCapabilities {
	cores := runtime.NumCPU()
	perfCores := estimatePerfCores(cores)
	return scheduler.DeviceCapabilities{
		TotalCores:                   cores,
		PerfCoresEstimate:            perfCores,
		RecommendedMaxConcurrency:    perfCores,
		SuggestedBaselineConcurrency: (perfCores + 1) / 2,
	}
}

// estimatePerfCores assumes roughly half of a many-core system are
// performance cores on a big.LITTLE-style layout; small systems keep every
// core available.
func estimatePerfCores(totalCores int) int {
	if totalCores <= 2 {
		return totalCores
	}
	return (totalCores + 1) / 2
}

// BatteryAware wraps another DeviceProbe and overlays live battery state, so
// the Manager can apply its concurrency reduction when running unplugged
// below a cutoff.
type BatteryAware struct {
	Inner            scheduler.DeviceProbe
	BatteryLevel     func() (level float64, charging bool, ok bool)
	LowBatteryCutoff float64
}

// Capabilities implements scheduler.DeviceProbe.
func (b BatteryAware) Capabilities() scheduler.DeviceCapabilities {
	caps := b.Inner.Capabilities()
	if b.BatteryLevel == nil {
		return caps
	}

	level, charging, ok := b.BatteryLevel()
	if !ok {
		return caps
	}

	lvl := level
	caps.BatteryLevel = &lvl
	caps.IsCharging = charging

	cutoff := b.LowBatteryCutoff
	if cutoff <= 0 {
		cutoff = 0.2
	}
	caps.BatteryOptimized = !charging && level < cutoff
	return caps
}
