package ttsengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/audiobook-ttsched/pkg/scheduler"
)

// MockSynthesizer is a deterministic test double for scheduler.Synthesizer.
// Every call succeeds unless Err is set; Delay simulates synthesis latency
// without touching a real engine or the network.
type MockSynthesizer struct {
	Delay          time.Duration
	Err            error
	DurationMs     int64
	SampleRate     int
	FilePathPrefix string

	mu    sync.Mutex
	calls int
	seq   atomic.Int64
}

// NewMockSynthesizer builds a mock returning a fixed duration for every call.
func NewMockSynthesizer(durationMs int64) *MockSynthesizer {
	return &MockSynthesizer{
		DurationMs:     durationMs,
		SampleRate:     24000,
		FilePathPrefix: "/tmp/mock-segment",
	}
}

// Calls returns how many times Synthesize has been invoked.
func (m *MockSynthesizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, voiceID, text string, effectiveRate float64) (scheduler.SynthesizeResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return scheduler.SynthesizeResult{}, ctx.Err()
		}
	}

	if m.Err != nil {
		return scheduler.SynthesizeResult{}, m.Err
	}

	n := m.seq.Add(1)
	return scheduler.SynthesizeResult{
		FilePath:   fmt.Sprintf("%s-%d.wav", m.FilePathPrefix, n),
		DurationMs: m.DurationMs,
		SampleRate: m.SampleRate,
	}, nil
}

func (m *MockSynthesizer) Name() string {
	return "mock"
}
