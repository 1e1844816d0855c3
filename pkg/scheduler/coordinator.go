package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// contextKey is the (voice, effective rate) pair a context change pivots on.
type contextKey struct {
	voiceID       string
	effectiveRate float64
}

type pendingEntry struct {
	req   SynthesisRequest
	index int
}

// pendingHeap orders requests by (priority desc, created_at asc), the usual
// container/heap idiom for a priority queue.
type pendingHeap []*pendingEntry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	return entryBetter(h[i], h[j])
}

// entryBetter reports whether a should dispatch before b: higher priority
// first, then earlier creation time.
func entryBetter(a, b *pendingEntry) bool {
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	return a.req.CreatedAt.Before(b.req.CreatedAt)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	entry := x.(*pendingEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// Stats are the observability counters exposed for diagnostics. Queued counts
// requests inserted into the pending queue; a cache hit found at queue time
// counts only toward CacheHits. A queued request ends up dropped, completed,
// failed, counted as a cache hit by the re-check in process, or still pending
// or in flight; requests cleared by UpdateContext, Reset or Dispose are not
// counted by any field.
type Stats struct {
	Queued       int64
	Completed    int64
	Failed       int64
	CacheHits    int64
	Dropped      int64
	CurrentQueue int64
	InFlight     int64
}

// Coordinator is the priority queue + dedup + worker loop at the center of
// the scheduling subsystem. A single state lock guards the pending heap, the
// dedup index, and the in-flight set; a long-lived worker blocks on each
// engine's semaphore before dispatching, which is the system's sole
// backpressure mechanism.
type Coordinator struct {
	synth  Synthesizer
	cache  Cache
	cfg    Config
	logger Logger

	mu           sync.Mutex
	pendingHeap  pendingHeap
	pendingByKey map[string]*pendingEntry
	inFlight     map[string]struct{}
	engines      map[EngineID]*DynamicSemaphore
	context      contextKey
	disposed     bool

	wake chan struct{}
	ctx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	disposeOnce sync.Once

	events *eventBus

	onSemaphoreCreated  func(EngineID, *DynamicSemaphore)
	onEntryRegistered   func(cacheKey string) error
	onSynthesisComplete func(req SynthesisRequest, synthTimeMs int64, audioDurationMs int64, engine EngineID)

	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cacheHits atomic.Int64
	dropped   atomic.Int64
}

// NewCoordinator builds a Coordinator and starts its worker goroutine.
func NewCoordinator(synth Synthesizer, cache Cache, cfg Config, logger Logger) (*Coordinator, error) {
	if synth == nil || cache == nil {
		return nil, ErrNilProvider
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		synth:        synth,
		cache:        cache,
		cfg:          cfg,
		logger:       logger,
		pendingByKey: make(map[string]*pendingEntry),
		inFlight:     make(map[string]struct{}),
		engines:      make(map[EngineID]*DynamicSemaphore),
		wake:         make(chan struct{}, 1),
		events:       newEventBus(256),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.run()
	return c, nil
}

// SetOnSemaphoreCreated registers the listener invoked when the Coordinator
// creates a new engine semaphore. The Auto-Calibration Manager wires this to
// the Governor's Register method.
func (c *Coordinator) SetOnSemaphoreCreated(fn func(EngineID, *DynamicSemaphore)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSemaphoreCreated = fn
}

// SetOnEntryRegistered registers the optional post-hook invoked after a
// successful Cache.Register call. Hook failures are logged, never propagated.
func (c *Coordinator) SetOnEntryRegistered(fn func(cacheKey string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEntryRegistered = fn
}

// SetOnSynthesisComplete registers the listener invoked after every
// non-cache-hit completion, carrying the wall-clock synthesis time and the
// resulting audio duration. The Auto-Calibration Manager wires this to feed
// the RTF Monitor.
func (c *Coordinator) SetOnSynthesisComplete(fn func(req SynthesisRequest, synthTimeMs int64, audioDurationMs int64, engine EngineID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSynthesisComplete = fn
}

// Events subscribes to the Coordinator's lifecycle event stream. Each
// subscriber receives events from its subscription time forward; the
// returned function unsubscribes.
func (c *Coordinator) Events() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Engines returns a snapshot of the currently known engine semaphores, used
// by the Auto-Calibration Manager to seed the Governor at Initialize time.
func (c *Coordinator) Engines() map[EngineID]*DynamicSemaphore {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[EngineID]*DynamicSemaphore, len(c.engines))
	for k, v := range c.engines {
		out[k] = v
	}
	return out
}

// Stats returns a snapshot of the observability counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	currentQueue := int64(len(c.pendingHeap))
	inFlight := int64(len(c.inFlight))
	c.mu.Unlock()
	return Stats{
		Queued:       c.queued.Load(),
		Completed:    c.completed.Load(),
		Failed:       c.failed.Load(),
		CacheHits:    c.cacheHits.Load(),
		Dropped:      c.dropped.Load(),
		CurrentQueue: currentQueue,
		InFlight:     inFlight,
	}
}

// QueueRange enqueues segments [start, end] inclusive against tracks, which
// must be indexable at every i in that range.
func (c *Coordinator) QueueRange(tracks []string, voiceID string, playbackRate float64, start, end int, priority Priority, bookID string, chapterIndex int) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	effectiveRate := c.cfg.EffectiveRate(playbackRate)
	for i := start; i <= end; i++ {
		if i < 0 || i >= len(tracks) {
			continue
		}
		c.queueOne(tracks[i], voiceID, effectiveRate, i, priority, bookID, chapterIndex)
	}
	return nil
}

// QueueImmediate is the single-item convenience form of QueueRange with
// priority Immediate.
func (c *Coordinator) QueueImmediate(track, voiceID string, playbackRate float64, segmentIndex int, bookID string, chapterIndex int) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	effectiveRate := c.cfg.EffectiveRate(playbackRate)
	c.queueOne(track, voiceID, effectiveRate, segmentIndex, PriorityImmediate, bookID, chapterIndex)
	return nil
}

func (c *Coordinator) queueOne(text, voiceID string, effectiveRate float64, segmentIndex int, priority Priority, bookID string, chapterIndex int) {
	key := CacheKeyFor(voiceID, text, effectiveRate)

	// Cache probe happens outside the state lock; the race with an in-flight
	// completion is closed by the re-check in process().
	if c.cache.IsReady(key) {
		c.cacheHits.Add(1)
		c.publish(Event{Type: EventSegmentReady, Data: SegmentReady{
			SegmentIndex: segmentIndex,
			CacheKey:     key,
			DurationMs:   c.durationFor(key),
			FromCache:    true,
		}})
		return
	}

	req := SynthesisRequest{
		Track:         text,
		VoiceID:       voiceID,
		EffectiveRate: effectiveRate,
		SegmentIndex:  segmentIndex,
		Priority:      priority,
		CacheKey:      key,
		BookID:        bookID,
		ChapterIndex:  chapterIndex,
		CreatedAt:     time.Now(),
	}
	c.enqueue(req)
}

// enqueue applies the dedup/upgrade/evict/insert decision under the state lock.
func (c *Coordinator) enqueue(req SynthesisRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, inFlight := c.inFlight[req.CacheKey]; inFlight {
		// In-flight priority is frozen at dispatch time; a higher-priority
		// duplicate arriving now has no effect.
		return
	}

	if entry, pending := c.pendingByKey[req.CacheKey]; pending {
		if req.Priority > entry.req.Priority {
			entry.req.Priority = req.Priority
			heap.Fix(&c.pendingHeap, entry.index)
		}
		return
	}

	if len(c.pendingHeap) >= c.cfg.MaxQueueSize {
		if victim := c.lowestPriorityNewestLocked(); victim != nil {
			heap.Remove(&c.pendingHeap, victim.index)
			delete(c.pendingByKey, victim.req.CacheKey)
			c.dropped.Add(1)
		}
	}

	entry := &pendingEntry{req: req}
	heap.Push(&c.pendingHeap, entry)
	c.pendingByKey[req.CacheKey] = entry
	c.queued.Add(1)
	c.wakeWorker()
}

// lowestPriorityNewestLocked finds the queue-overflow eviction victim:
// lowest priority, newest (most recently created) among ties. Caller holds
// c.mu.
func (c *Coordinator) lowestPriorityNewestLocked() *pendingEntry {
	var victim *pendingEntry
	for _, e := range c.pendingHeap {
		switch {
		case victim == nil:
			victim = e
		case e.req.Priority < victim.req.Priority:
			victim = e
		case e.req.Priority == victim.req.Priority && e.req.CreatedAt.After(victim.req.CreatedAt):
			victim = e
		}
	}
	return victim
}

// UpdateContext switches the remembered (voice, effective rate) pair. If it
// differs from the current one, the pending queue is cleared before
// returning true. In-flight requests continue; their results may be
// discarded by the player layer but the Coordinator still delivers events
// for them.
func (c *Coordinator) UpdateContext(voiceID string, playbackRate float64) bool {
	effectiveRate := c.cfg.EffectiveRate(playbackRate)
	key := contextKey{voiceID: voiceID, effectiveRate: effectiveRate}

	c.mu.Lock()
	defer c.mu.Unlock()
	if key == c.context {
		return false
	}
	c.context = key
	c.clearPendingLocked()
	return true
}

// Reset clears the pending queue without altering the remembered context.
// In-flight requests are left to complete.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearPendingLocked()
}

func (c *Coordinator) clearPendingLocked() {
	c.pendingHeap = nil
	for k := range c.pendingByKey {
		delete(c.pendingByKey, k)
	}
}

// IsReady is a pure cache probe: it never queues or synthesizes anything.
// Any bookkeeping happens inside the Cache's own IsReady.
func (c *Coordinator) IsReady(voiceID, text string, playbackRate float64) bool {
	effectiveRate := c.cfg.EffectiveRate(playbackRate)
	return c.cache.IsReady(CacheKeyFor(voiceID, text, effectiveRate))
}

// Dispose clears pending work, closes the event streams, and stops the
// worker. In-flight requests are allowed to finish naturally. Idempotent.
func (c *Coordinator) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		c.clearPendingLocked()
		c.mu.Unlock()

		c.cancel()
		c.events.close()
	})
}

func (c *Coordinator) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Coordinator) publish(ev Event) {
	c.events.publish(ev)
}

func (c *Coordinator) wakeWorker() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// durationFor returns the trustworthy cache-reported duration when present,
// else falls back to a rough estimate from the cached file's size.
func (c *Coordinator) durationFor(cacheKey string) int64 {
	if withDuration, ok := c.cache.(interface {
		DurationMs(string) (int64, bool)
	}); ok {
		if ms, ok := withDuration.DurationMs(cacheKey); ok {
			return ms
		}
	}
	path, err := c.cache.FileFor(cacheKey)
	if err != nil {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return EstimateDurationFromFileSize(info.Size())
}

// EstimateDurationFromFileSize approximates a cache hit's duration from its
// file size (~48 KB/s for 16-bit mono PCM at typical narration sample rates)
// when no trustworthy metadata is available.
func EstimateDurationFromFileSize(sizeBytes int64) int64 {
	const bytesPerMs = 48 // ~48 KB/s == 48 bytes/ms
	return sizeBytes / bytesPerMs
}

// getOrCreateSemaphore returns the engine's semaphore, creating it with the
// configured default concurrency on first use and notifying
// onSemaphoreCreated outside the lock.
func (c *Coordinator) getOrCreateSemaphore(engine EngineID) *DynamicSemaphore {
	c.mu.Lock()
	if sem, ok := c.engines[engine]; ok {
		c.mu.Unlock()
		return sem
	}
	sem := NewDynamicSemaphore(c.cfg.defaultEngineConcurrency(engine))
	c.engines[engine] = sem
	listener := c.onSemaphoreCreated
	c.mu.Unlock()

	if listener != nil {
		listener(engine, sem)
	}
	return sem
}

// run is the Coordinator's single long-lived worker loop. It peeks at the
// highest-priority request's engine and acquires its semaphore on its own
// goroutine (the deliberate backpressure point) before committing to a pop,
// so a priority upgrade that lands while this goroutine is parked waiting
// for capacity is still honored: the entry actually dispatched is whichever
// one is on top once the permit comes free, not whichever one looked like
// the top when the wait began.
func (c *Coordinator) run() {
	for {
		c.mu.Lock()
		if len(c.pendingHeap) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}
		engine := c.pendingHeap[0].req.Engine()
		c.mu.Unlock()

		sem := c.getOrCreateSemaphore(engine)
		if err := sem.Acquire(c.ctx); err != nil {
			// Coordinator is disposing; the request is simply abandoned.
			return
		}

		c.mu.Lock()
		entry, ok := c.popHighestForEngineLocked(engine)
		if !ok {
			// Everything for this engine was cleared or evicted while we
			// waited on the semaphore. Give the permit back and re-survey.
			c.mu.Unlock()
			sem.Release()
			continue
		}
		delete(c.pendingByKey, entry.req.CacheKey)
		req := entry.req
		c.inFlight[req.CacheKey] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.process(req, sem)
	}
}

// popHighestForEngineLocked removes and returns the best-ranked pending
// entry for engine, re-deriving it from the live heap rather than trusting a
// stale peek. Caller holds c.mu.
func (c *Coordinator) popHighestForEngineLocked(engine EngineID) (*pendingEntry, bool) {
	var best *pendingEntry
	for _, e := range c.pendingHeap {
		if e.req.Engine() != engine {
			continue
		}
		if best == nil || entryBetter(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	heap.Remove(&c.pendingHeap, best.index)
	return best, true
}

// process runs one request end to end.
func (c *Coordinator) process(req SynthesisRequest, sem *DynamicSemaphore) {
	defer c.wg.Done()

	finalize := func() {
		c.mu.Lock()
		delete(c.inFlight, req.CacheKey)
		drained := len(c.inFlight) == 0 && len(c.pendingHeap) == 0
		c.mu.Unlock()
		sem.Release()
		if drained {
			c.publish(Event{Type: EventQueueDrained})
		}
	}

	if c.isDisposed() {
		sem.Release()
		return
	}

	// Re-check the cache: a concurrent request for the same key may have
	// won the race while this one waited on the semaphore.
	if c.cache.IsReady(req.CacheKey) {
		c.cacheHits.Add(1)
		c.publish(Event{Type: EventSegmentReady, Data: SegmentReady{
			SegmentIndex: req.SegmentIndex,
			CacheKey:     req.CacheKey,
			DurationMs:   c.durationFor(req.CacheKey),
			FromCache:    true,
		}})
		finalize()
		return
	}

	c.publish(Event{Type: EventSynthesisStarted, Data: SynthesisStarted{
		SegmentIndex: req.SegmentIndex,
		CacheKey:     req.CacheKey,
	}})

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SynthesisTimeout)
	defer cancel()

	start := time.Now()
	result, err := c.synth.Synthesize(ctx, req.VoiceID, req.Track, req.EffectiveRate)
	synthTimeMs := time.Since(start).Milliseconds()

	if err != nil {
		isTimeout := ctx.Err() == context.DeadlineExceeded
		if isTimeout {
			err = fmt.Errorf("%w: %v", ErrSynthesisTimeout, err)
		}
		c.failed.Add(1)
		c.publish(Event{Type: EventSegmentFailed, Data: SegmentFailed{
			SegmentIndex: req.SegmentIndex,
			CacheKey:     req.CacheKey,
			Err:          err,
			IsTimeout:    isTimeout,
		}})
		finalize()
		return
	}

	meta := CacheEntryMeta{
		FilePath:        result.FilePath,
		SizeBytes:       fileSizeOrZero(result.FilePath),
		BookID:          req.BookID,
		ChapterIndex:    req.ChapterIndex,
		SegmentIndex:    req.SegmentIndex,
		Engine:          req.Engine(),
		AudioDurationMs: result.DurationMs,
	}
	if err := c.cache.Register(req.CacheKey, meta); err != nil {
		c.logger.Warn("cache register failed", "cacheKey", req.CacheKey, "error", err)
	}

	c.mu.Lock()
	hook := c.onEntryRegistered
	completeHook := c.onSynthesisComplete
	c.mu.Unlock()

	if hook != nil {
		if err := c.safeEntryHook(hook, req.CacheKey); err != nil {
			c.logger.Warn("on_entry_registered hook failed", "cacheKey", req.CacheKey, "error", err)
		}
	}

	c.completed.Add(1)
	c.publish(Event{Type: EventSegmentReady, Data: SegmentReady{
		SegmentIndex: req.SegmentIndex,
		CacheKey:     req.CacheKey,
		DurationMs:   result.DurationMs,
		FromCache:    false,
	}})

	if completeHook != nil {
		completeHook(req, synthTimeMs, result.DurationMs, req.Engine())
	}

	finalize()
}

func (c *Coordinator) safeEntryHook(hook func(string) error, cacheKey string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("on_entry_registered hook panicked", "cacheKey", cacheKey, "recover", r)
		}
	}()
	return hook(cacheKey)
}

func fileSizeOrZero(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
