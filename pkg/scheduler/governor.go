package scheduler

import (
	"sync"
	"time"
)

// ChangeEvent records one concurrency change applied by the Governor.
type ChangeEvent struct {
	Engine    EngineID
	Old       int
	New       int
	Reason    DemandLevel
	Timestamp time.Time
}

// EngineStatus is a point-in-time snapshot of one engine's semaphore.
type EngineStatus struct {
	Capacity       int
	Active         int
	Waiting        int
	UtilizationPct float64
	UnderPressure  bool
}

const changeLogCapacity = 20

// ConcurrencyGovernor owns every engine's DynamicSemaphore and applies the
// Demand Controller's decisions to them.
type ConcurrencyGovernor struct {
	mu             sync.Mutex
	semaphores     map[EngineID]*DynamicSemaphore
	currentTarget  int
	changeLog      []ChangeEvent
	changeLogStart int
}

// NewConcurrencyGovernor builds a governor over an initial set of
// per-engine semaphores (typically empty; engines register as the
// Coordinator discovers them).
func NewConcurrencyGovernor(initial map[EngineID]*DynamicSemaphore) *ConcurrencyGovernor {
	sems := make(map[EngineID]*DynamicSemaphore, len(initial))
	for k, v := range initial {
		sems[k] = v
	}
	return &ConcurrencyGovernor{
		semaphores: sems,
	}
}

// Register wires a newly-created engine semaphore into the governor and
// immediately applies the current global target to it, so late-discovered
// engines inherit the learned concurrency rather than starting at their
// configured default.
func (g *ConcurrencyGovernor) Register(engine EngineID, sem *DynamicSemaphore) {
	g.mu.Lock()
	g.semaphores[engine] = sem
	target := g.currentTarget
	g.mu.Unlock()

	if target > 0 {
		old := sem.Capacity()
		sem.SetCapacity(target)
		g.recordChange(engine, old, target, DemandAdequate)
	}
}

// SetConcurrency sets every known engine's semaphore to n.
func (g *ConcurrencyGovernor) SetConcurrency(n int, reason DemandLevel) {
	g.mu.Lock()
	g.currentTarget = n
	sems := make(map[EngineID]*DynamicSemaphore, len(g.semaphores))
	for k, v := range g.semaphores {
		sems[k] = v
	}
	g.mu.Unlock()

	for engine, sem := range sems {
		old := sem.Capacity()
		if old == n {
			continue
		}
		sem.SetCapacity(n)
		g.recordChange(engine, old, n, reason)
	}
}

// SetForEngine scopes a concurrency change to a single engine.
func (g *ConcurrencyGovernor) SetForEngine(engine EngineID, n int, reason DemandLevel) {
	g.mu.Lock()
	sem, ok := g.semaphores[engine]
	g.mu.Unlock()
	if !ok {
		return
	}
	old := sem.Capacity()
	if old == n {
		return
	}
	sem.SetCapacity(n)
	g.recordChange(engine, old, n, reason)
}

func (g *ConcurrencyGovernor) recordChange(engine EngineID, old, newCap int, reason DemandLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev := ChangeEvent{Engine: engine, Old: old, New: newCap, Reason: reason, Timestamp: time.Now()}
	if len(g.changeLog) < changeLogCapacity {
		g.changeLog = append(g.changeLog, ev)
	} else {
		g.changeLog[g.changeLogStart] = ev
		g.changeLogStart = (g.changeLogStart + 1) % changeLogCapacity
	}
}

// ChangeLog returns the change events in chronological order, oldest first.
func (g *ConcurrencyGovernor) ChangeLog() []ChangeEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.changeLog) < changeLogCapacity {
		out := make([]ChangeEvent, len(g.changeLog))
		copy(out, g.changeLog)
		return out
	}
	out := make([]ChangeEvent, 0, changeLogCapacity)
	for i := 0; i < changeLogCapacity; i++ {
		out = append(out, g.changeLog[(g.changeLogStart+i)%changeLogCapacity])
	}
	return out
}

// Status returns a per-engine snapshot.
func (g *ConcurrencyGovernor) Status() map[EngineID]EngineStatus {
	g.mu.Lock()
	sems := make(map[EngineID]*DynamicSemaphore, len(g.semaphores))
	for k, v := range g.semaphores {
		sems[k] = v
	}
	g.mu.Unlock()

	out := make(map[EngineID]EngineStatus, len(sems))
	for engine, sem := range sems {
		s := sem.Status()
		util := 0.0
		if s.Capacity > 0 {
			util = float64(s.Active) / float64(s.Capacity) * 100
		}
		out[engine] = EngineStatus{
			Capacity:       s.Capacity,
			Active:         s.Active,
			Waiting:        s.Waiting,
			UtilizationPct: util,
			UnderPressure:  s.Waiting > 0 && util > 80,
		}
	}
	return out
}
