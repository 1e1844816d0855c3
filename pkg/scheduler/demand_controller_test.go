package scheduler

import (
	"testing"
	"time"
)

func TestDemandControllerEmergencyJumpsToMax(t *testing.T) {
	var lastLevel int
	var lastReason DemandLevel
	c := NewDemandController(1, 4, 5*time.Second, func(n int, reason DemandLevel) {
		lastLevel = n
		lastReason = reason
	})

	c.HandleSignal(DemandSignal{Level: DemandEmergency, Timestamp: time.Now()})

	if c.Current() != 4 {
		t.Fatalf("expected jump to max concurrency 4, got %d", c.Current())
	}
	if lastLevel != 4 || lastReason != DemandEmergency {
		t.Fatalf("expected onChange(4, emergency), got (%d, %v)", lastLevel, lastReason)
	}
}

func TestDemandControllerComfortableStepsDownByOne(t *testing.T) {
	c := NewDemandController(1, 4, 0, nil)
	c.HandleSignal(DemandSignal{Level: DemandEmergency, Timestamp: time.Now()}) // -> 4
	c.HandleSignal(DemandSignal{Level: DemandComfortable, Timestamp: time.Now().Add(time.Second)})

	if c.Current() != 3 {
		t.Fatalf("expected step down to 3, got %d", c.Current())
	}
}

func TestDemandControllerCooldownSuppressesNonUrgentChanges(t *testing.T) {
	c := NewDemandController(1, 4, time.Minute, nil)
	base := time.Now()
	c.HandleSignal(DemandSignal{Level: DemandLow, Timestamp: base}) // -> 2, sets lastChangeAt
	if c.Current() != 2 {
		t.Fatalf("expected bump to 2, got %d", c.Current())
	}

	// Within cooldown window: Low/Adequate/Comfortable should not move it.
	c.HandleSignal(DemandSignal{Level: DemandComfortable, Timestamp: base.Add(time.Second)})
	if c.Current() != 2 {
		t.Fatalf("expected cooldown to suppress downshift, still got %d", c.Current())
	}
}

func TestDemandControllerEmergencyAndCriticalBypassCooldown(t *testing.T) {
	c := NewDemandController(1, 4, time.Minute, nil)
	base := time.Now()
	c.HandleSignal(DemandSignal{Level: DemandLow, Timestamp: base}) // sets cooldown

	c.HandleSignal(DemandSignal{Level: DemandCritical, Timestamp: base.Add(time.Second)})
	if c.Current() != 3 {
		t.Fatalf("expected critical to bypass cooldown and bump to 3, got %d", c.Current())
	}
}

func TestDemandControllerNeverExceedsMaxConcurrency(t *testing.T) {
	c := NewDemandController(1, 2, 0, nil)
	c.HandleSignal(DemandSignal{Level: DemandEmergency, Timestamp: time.Now()})
	if c.Current() != 2 {
		t.Fatalf("expected clamp at max 2, got %d", c.Current())
	}
}

func TestDemandControllerNoOpDoesNotInvokeCallback(t *testing.T) {
	calls := 0
	c := NewDemandController(2, 4, 0, func(int, DemandLevel) { calls++ })
	c.HandleSignal(DemandSignal{Level: DemandAdequate, Timestamp: time.Now()}) // already at baseline
	if calls != 0 {
		t.Fatalf("expected no callback for no-op transition, got %d calls", calls)
	}
}
