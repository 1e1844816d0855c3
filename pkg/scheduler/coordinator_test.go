package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntryMeta
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]CacheEntryMeta)}
}

func (c *mockCache) IsReady(cacheKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[cacheKey]
	return ok
}

func (c *mockCache) FileFor(cacheKey string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey]
	if !ok {
		return "", errors.New("not cached")
	}
	return e.FilePath, nil
}

func (c *mockCache) Register(cacheKey string, meta CacheEntryMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey] = meta
	return nil
}

func (c *mockCache) DurationMs(cacheKey string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey]
	if !ok || e.AudioDurationMs <= 0 {
		return 0, false
	}
	return e.AudioDurationMs, true
}

func (c *mockCache) preload(cacheKey string, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey] = CacheEntryMeta{FilePath: "preloaded.wav", AudioDurationMs: durationMs}
}

type mockSynthesizer struct {
	delay      time.Duration
	err        error
	durationMs int64

	calls atomic.Int64
}

func (s *mockSynthesizer) Synthesize(ctx context.Context, voiceID, text string, effectiveRate float64) (SynthesizeResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return SynthesizeResult{}, ctx.Err()
		}
	}
	if s.err != nil {
		return SynthesizeResult{}, s.err
	}
	return SynthesizeResult{FilePath: "out.wav", DurationMs: s.durationMs, SampleRate: 24000}, nil
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SynthesisTimeout = 2 * time.Second
	cfg.MaxQueueSize = 5
	return cfg
}

func TestCoordinatorCacheHitEmitsReadyWithNoSynthesis(t *testing.T) {
	cache := newMockCache()
	cache.preload(CacheKeyFor("v1", "hello", 1.0), 1234)
	synth := &mockSynthesizer{durationMs: 999}

	coord, err := NewCoordinator(synth, cache, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	events, unsub := coord.Events()
	defer unsub()

	if err := coord.QueueImmediate("hello", "v1", 1.0, 3, "book", 1); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventSegmentReady {
			t.Fatalf("expected SegmentReady, got %v", ev.Type)
		}
		data := ev.Data.(SegmentReady)
		if !data.FromCache || data.SegmentIndex != 3 || data.DurationMs != 1234 {
			t.Fatalf("unexpected payload: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SegmentReady")
	}

	if synth.calls.Load() != 0 {
		t.Fatalf("expected zero synthesis calls on cache hit, got %d", synth.calls.Load())
	}
	stats := coord.Stats()
	if stats.CacheHits != 1 || stats.Queued != 0 || stats.Completed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCoordinatorDeduplicatesConcurrentRequestsForSameKey(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{delay: 150 * time.Millisecond, durationMs: 5000}

	coord, err := NewCoordinator(synth, cache, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	events, unsub := coord.Events()
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.QueueImmediate("same text", "v1", 1.0, 0, "book", 1)
		}()
	}
	wg.Wait()

	readyCount := 0
loop:
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSegmentReady {
				readyCount++
			}
		case <-time.After(500 * time.Millisecond):
			break loop
		}
	}

	if synth.calls.Load() != 1 {
		t.Fatalf("expected exactly one synthesis call, got %d", synth.calls.Load())
	}
	if readyCount != 1 {
		t.Fatalf("expected exactly one SegmentReady, got %d", readyCount)
	}
}

func TestCoordinatorPriorityUpgradeReordersQueue(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{delay: 100 * time.Millisecond, durationMs: 1000}
	cfg := testConfig()
	cfg.MaxQueueSize = 10 // room for all ten segments, so segment 7 is still pending when upgraded
	cfg.DefaultEngineConcurrency = map[EngineID]int{"v1": 1}

	coord, err := NewCoordinator(synth, cache, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	events, unsub := coord.Events()
	defer unsub()

	tracks := make([]string, 10)
	for i := range tracks {
		tracks[i] = "track" + string(rune('a'+i))
	}
	if err := coord.QueueRange(tracks, "v1", 1.0, 0, 9, PriorityPrefetch, "book", 1); err != nil {
		t.Fatal(err)
	}

	// First SynthesisStarted is segment 0, already dispatched before the
	// upgrade below can take effect.
	first := <-events
	if first.Type != EventSynthesisStarted {
		t.Fatalf("expected SynthesisStarted, got %v", first.Type)
	}

	if err := coord.QueueImmediate(tracks[7], "v1", 1.0, 7, "book", 1); err != nil {
		t.Fatal(err)
	}

	// Drain segment 0's completion, then the next SynthesisStarted must be
	// segment 7, not segment 1.
	for {
		ev := <-events
		if ev.Type == EventSegmentReady {
			break
		}
	}
	next := <-events
	if next.Type != EventSynthesisStarted {
		t.Fatalf("expected SynthesisStarted, got %v", next.Type)
	}
	data := next.Data.(SynthesisStarted)
	if data.SegmentIndex != 7 {
		t.Fatalf("expected upgraded segment 7 dispatched next, got %d", data.SegmentIndex)
	}
}

func TestCoordinatorUpdateContextClearsPendingQueue(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{delay: 200 * time.Millisecond, durationMs: 1000}
	cfg := testConfig()
	cfg.DefaultEngineConcurrency = map[EngineID]int{"v1": 1}

	coord, err := NewCoordinator(synth, cache, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	tracks := []string{"a", "b", "c", "d", "e"}
	if err := coord.QueueRange(tracks, "v1", 1.0, 0, 4, PriorityPrefetch, "book", 1); err != nil {
		t.Fatal(err)
	}

	waitForCondition(t, time.Second, func() bool { return coord.Stats().InFlight == 1 })

	changed := coord.UpdateContext("v2", 1.0)
	if !changed {
		t.Fatal("expected context change to be detected")
	}

	stats := coord.Stats()
	if stats.CurrentQueue != 0 {
		t.Fatalf("expected pending queue cleared, got %d", stats.CurrentQueue)
	}
}

func TestCoordinatorQueueOverflowDropsLowestPriorityNewest(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{delay: time.Second, durationMs: 1000}
	cfg := testConfig()
	cfg.MaxQueueSize = 3
	cfg.DefaultEngineConcurrency = map[EngineID]int{"v1": 1}

	coord, err := NewCoordinator(synth, cache, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	// Segment 0 gets dispatched immediately (capacity 1), freeing no queue
	// slot pressure; segments 1..4 contest the 3-slot queue.
	tracks := []string{"t0", "t1", "t2", "t3", "t4"}
	if err := coord.QueueRange(tracks, "v1", 1.0, 0, 4, PriorityBackground, "book", 1); err != nil {
		t.Fatal(err)
	}

	waitForCondition(t, time.Second, func() bool { return coord.Stats().Dropped > 0 })

	stats := coord.Stats()
	if stats.CurrentQueue > int64(cfg.MaxQueueSize) {
		t.Fatalf("expected queue capped at %d, got %d", cfg.MaxQueueSize, stats.CurrentQueue)
	}
}

func TestCoordinatorSynthesisFailureEmitsSegmentFailed(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{err: errors.New("engine exploded")}

	coord, err := NewCoordinator(synth, cache, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	events, unsub := coord.Events()
	defer unsub()

	if err := coord.QueueImmediate("text", "v1", 1.0, 0, "book", 1); err != nil {
		t.Fatal(err)
	}

	for {
		ev := <-events
		if ev.Type == EventSegmentFailed {
			data := ev.Data.(SegmentFailed)
			if data.IsTimeout {
				t.Fatal("expected non-timeout failure")
			}
			return
		}
	}
}

func TestCoordinatorDisposeRejectsNewWork(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{durationMs: 1000}

	coord, err := NewCoordinator(synth, cache, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	coord.Dispose()

	if err := coord.QueueImmediate("text", "v1", 1.0, 0, "book", 1); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestCoordinatorIsReadyIsPureProbe(t *testing.T) {
	cache := newMockCache()
	synth := &mockSynthesizer{durationMs: 1000}
	coord, err := NewCoordinator(synth, cache, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Dispose()

	if coord.IsReady("v1", "hello", 1.0) {
		t.Fatal("expected not ready before caching")
	}
	cache.preload(CacheKeyFor("v1", "hello", 1.0), 500)
	if !coord.IsReady("v1", "hello", 1.0) {
		t.Fatal("expected ready after caching")
	}
	if synth.calls.Load() != 0 {
		t.Fatal("IsReady must not trigger synthesis")
	}
}
