// Command ttsched-demo prefetches and plays back a short audiobook passage,
// exercising the full scheduling subsystem end to end: priority queueing,
// on-disk caching, and auto-calibrated concurrency against a live (or
// mocked) TTS engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lokutor-ai/audiobook-ttsched/pkg/audiocache"
	"github.com/lokutor-ai/audiobook-ttsched/pkg/deviceprobe"
	"github.com/lokutor-ai/audiobook-ttsched/pkg/scheduler"
	"github.com/lokutor-ai/audiobook-ttsched/pkg/ttsengine"
)

const sampleRate = 24000

// passage stands in for a chapter's sentence-segmented track list; a real
// player would source this from the book's ASR-aligned transcript.
var passage = []string{
	"The lighthouse keeper climbed the spiral stair before dawn.",
	"Below, the sea was the color of hammered pewter.",
	"He had kept this light for eleven years without missing a night.",
	"Tonight the fog was thick enough to taste.",
	"Somewhere out past the shoals, a ship's horn answered his lamp.",
	"He logged the hour, trimmed the wick, and waited for the sun.",
	"The gulls woke first, then the village, then the tide itself.",
	"By noon the fog had burned away to nothing.",
}

// zerologAdapter satisfies scheduler.Logger without the scheduler package
// ever importing zerolog itself.
type zerologAdapter struct {
	log zerolog.Logger
}

func (z zerologAdapter) Debug(msg string, args ...interface{}) { z.log.Debug().Fields(args).Msg(msg) }
func (z zerologAdapter) Info(msg string, args ...interface{})  { z.log.Info().Fields(args).Msg(msg) }
func (z zerologAdapter) Warn(msg string, args ...interface{})  { z.log.Warn().Fields(args).Msg(msg) }
func (z zerologAdapter) Error(msg string, args ...interface{}) { z.log.Error().Fields(args).Msg(msg) }

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: no .env file found, using system environment variables")
	}

	logger := zerologAdapter{log: zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()}

	cacheDir := os.Getenv("TTSCHED_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "./.ttsched-cache"
	}
	if err := audiocache.EnsureDir(cacheDir); err != nil {
		fmt.Fprintln(os.Stderr, "failed to create cache dir:", err)
		os.Exit(1)
	}
	cache := audiocache.NewFileCache(500)

	var synth scheduler.Synthesizer
	if apiKey := os.Getenv("LOKUTOR_API_KEY"); apiKey != "" {
		synth = ttsengine.NewLokutorSynthesizer(apiKey, os.Getenv("LOKUTOR_HOST"), sampleRate, cacheDir)
		fmt.Println("Using live Lokutor synthesis engine")
	} else {
		fmt.Println("LOKUTOR_API_KEY not set; using mock synthesizer (no network calls)")
		mock := ttsengine.NewMockSynthesizer(2500)
		mock.Delay = 400 * time.Millisecond
		mock.SampleRate = sampleRate
		synth = mock
	}

	player := newPlaybackQueue(sampleRate)

	playbackRate := 1.0
	if v := os.Getenv("TTSCHED_PLAYBACK_RATE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			playbackRate = parsed
		}
	}

	cfg := scheduler.DefaultConfig()
	mgr, err := scheduler.NewManager(cfg, scheduler.ManagerDeps{
		Synth:           synth,
		Cache:           cache,
		Probe:           deviceprobe.NewSystemProbe(),
		BufferedAheadMs: player.bufferedAheadMs,
		PlaybackRate:    func() float64 { return playbackRate },
		IsPlaying:       player.isPlaying,
		Logger:          logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build scheduler manager:", err)
		os.Exit(1)
	}
	mgr.Start()
	defer mgr.Stop()

	coord := mgr.Coordinator()
	events, unsubscribe := coord.Events()
	defer unsubscribe()

	go func() {
		for ev := range events {
			switch ev.Type {
			case scheduler.EventSegmentReady:
				data := ev.Data.(scheduler.SegmentReady)
				tag := "synthesized"
				if data.FromCache {
					tag = "cache hit"
				}
				fmt.Printf("[ready]  segment %d (%s, %dms)\n", data.SegmentIndex, tag, data.DurationMs)
				player.enqueue(data.CacheKey, cache)
			case scheduler.EventSynthesisStarted:
				data := ev.Data.(scheduler.SynthesisStarted)
				fmt.Printf("[synth]  segment %d started\n", data.SegmentIndex)
			case scheduler.EventSegmentFailed:
				data := ev.Data.(scheduler.SegmentFailed)
				fmt.Printf("[failed] segment %d: %v (timeout=%v)\n", data.SegmentIndex, data.Err, data.IsTimeout)
			case scheduler.EventQueueDrained:
				fmt.Println("[queue]  drained")
			}
		}
	}()

	if err := coord.QueueRange(passage, "kokoro:narrator", playbackRate, 0, len(passage)-1, scheduler.PriorityPrefetch, "demo-book", 1); err != nil {
		fmt.Fprintln(os.Stderr, "failed to queue passage:", err)
		os.Exit(1)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init audio context:", err)
		os.Exit(1)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = sampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: player.onSamples,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init playback device:", err)
		os.Exit(1)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start playback device:", err)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			fmt.Println(mgr.Advisory())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}

// playbackQueue feeds decoded PCM to the output device in the order segments
// complete, and reports how much audio remains buffered ahead — the raw
// signal the Buffer Gauge classifies into a demand level.
type playbackQueue struct {
	sampleRate int

	mu      sync.Mutex
	pending [][]byte // raw PCM, one slice per not-yet-started segment
	current []byte   // PCM currently being drained by onSamples

	started atomic.Bool
}

func newPlaybackQueue(sampleRate int) *playbackQueue {
	return &playbackQueue{sampleRate: sampleRate}
}

func (p *playbackQueue) enqueue(cacheKey string, cache *audiocache.FileCache) {
	path, err := cache.FileFor(cacheKey)
	if err != nil {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) < 44 {
		return
	}
	pcm := raw[44:] // strip the RIFF/WAVE header written by ttsengine

	p.mu.Lock()
	p.pending = append(p.pending, pcm)
	p.started.Store(true)
	p.mu.Unlock()
}

func (p *playbackQueue) bufferedAheadMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.current)
	for _, seg := range p.pending {
		total += len(seg)
	}
	bytesPerMs := (p.sampleRate * 2) / 1000
	if bytesPerMs == 0 {
		return 0
	}
	return int64(total / bytesPerMs)
}

func (p *playbackQueue) isPlaying() bool {
	return p.started.Load()
}

// onSamples is the malgo data callback: drain current PCM into pOutput,
// pulling the next pending segment in when it runs dry.
func (p *playbackQueue) onSamples(pOutput, _ []byte, _ uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	filled := 0
	for filled < len(pOutput) {
		if len(p.current) == 0 {
			if len(p.pending) == 0 {
				break
			}
			p.current = p.pending[0]
			p.pending = p.pending[1:]
		}
		n := copy(pOutput[filled:], p.current)
		p.current = p.current[n:]
		filled += n
	}
	for i := filled; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
}
