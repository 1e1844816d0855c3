package scheduler

import "context"

// SynthesizeResult is what a Synthesizer produces for one request.
type SynthesizeResult struct {
	FilePath   string
	DurationMs int64
	SampleRate int
}

// Synthesizer is the TTS engine contract the Coordinator dispatches work to.
// Implementations must be safe for concurrent invocation; the Coordinator
// already bounds concurrency per engine via the Dynamic Semaphore.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string, effectiveRate float64) (SynthesizeResult, error)
}

// CacheEntryMeta is what the Coordinator hands the Cache once synthesis
// succeeds.
type CacheEntryMeta struct {
	FilePath        string
	SizeBytes       int64
	BookID          string
	ChapterIndex    int
	SegmentIndex    int
	Engine          EngineID
	AudioDurationMs int64
}

// Cache is the persistent audio cache contract. IsReady/FileFor never add
// entries (an implementation may update its own recency or hit bookkeeping,
// or drop a stale entry); Register commits a completed synthesis.
type Cache interface {
	IsReady(cacheKey string) bool
	FileFor(cacheKey string) (string, error)
	Register(cacheKey string, meta CacheEntryMeta) error
}

// DeviceProbe produces a capabilities snapshot on demand. The core treats it
// as a black box.
type DeviceProbe interface {
	Capabilities() DeviceCapabilities
}
