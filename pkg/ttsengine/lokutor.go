// Package ttsengine adapts concrete TTS backends to the scheduler.Synthesizer
// contract: given a voice, text, and effective playback rate, produce a
// finished audio file plus its duration.
package ttsengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/audiobook-ttsched/pkg/scheduler"
)

// LokutorSynthesizer streams text through Lokutor's websocket TTS endpoint
// and materializes the result as a WAV file on disk, satisfying
// scheduler.Synthesizer. The connection is held open and reused across
// requests; a write or read failure drops it so the next call reconnects.
type LokutorSynthesizer struct {
	apiKey     string
	host       string
	sampleRate int
	outputDir  string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewLokutorSynthesizer builds an adapter. outputDir must already exist;
// sampleRate is the fixed rate Lokutor's versa-1.0 voice model emits.
func NewLokutorSynthesizer(apiKey, host string, sampleRate int, outputDir string) *LokutorSynthesizer {
	if host == "" {
		host = "api.lokutor.com"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &LokutorSynthesizer{
		apiKey:     apiKey,
		host:       host,
		sampleRate: sampleRate,
		outputDir:  outputDir,
	}
}

func (l *LokutorSynthesizer) getConn(ctx context.Context) (*websocket.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return l.conn, nil
	}

	u := url.URL{Scheme: "wss", Host: l.host, Path: "/ws", RawQuery: "api_key=" + l.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ttsengine: connect to lokutor: %w", err)
	}

	l.conn = conn
	return conn, nil
}

// Synthesize implements scheduler.Synthesizer. effectiveRate is forwarded as
// the engine's playback speed parameter so rate-dependent synthesis produces
// audio already paced for the target rate.
func (l *LokutorSynthesizer) Synthesize(ctx context.Context, voiceID, text string, effectiveRate float64) (scheduler.SynthesizeResult, error) {
	conn, err := l.getConn(ctx)
	if err != nil {
		return scheduler.SynthesizeResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req := map[string]interface{}{
		"text":    text,
		"voice":   voiceID,
		"speed":   effectiveRate,
		"steps":   5,
		"version": "versa-1.0",
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		l.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return scheduler.SynthesizeResult{}, fmt.Errorf("ttsengine: send synthesis request: %w", err)
	}

	var pcm []byte
	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			l.conn = nil
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			return scheduler.SynthesizeResult{}, fmt.Errorf("ttsengine: read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			pcm = append(pcm, payload...)
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return l.writeResult(pcm)
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return scheduler.SynthesizeResult{}, fmt.Errorf("ttsengine: lokutor error: %s", msg)
			}
		}
	}
}

// writeResult wraps pcm in a minimal RIFF/WAVE header, writes it to a temp
// file, and measures the resulting duration — both derived from the same
// sample rate and byte count, so they're computed together at their one call
// site rather than split across helpers.
func (l *LokutorSynthesizer) writeResult(pcm []byte) (scheduler.SynthesizeResult, error) {
	f, err := os.CreateTemp(l.outputDir, "segment-*.wav")
	if err != nil {
		return scheduler.SynthesizeResult{}, fmt.Errorf("ttsengine: create output file: %w", err)
	}
	defer f.Close()

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(l.sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(l.sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	if _, err := f.Write(buf.Bytes()); err != nil {
		return scheduler.SynthesizeResult{}, fmt.Errorf("ttsengine: write output file: %w", err)
	}

	samples := len(pcm) / 2 // 16-bit mono samples
	durationMs := int64(samples) * 1000 / int64(l.sampleRate)

	return scheduler.SynthesizeResult{
		FilePath:   f.Name(),
		DurationMs: durationMs,
		SampleRate: l.sampleRate,
	}, nil
}

// Name identifies this engine for logging.
func (l *LokutorSynthesizer) Name() string {
	return "lokutor"
}

// Close drops the held connection, if any.
func (l *LokutorSynthesizer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		err := l.conn.Close(websocket.StatusNormalClosure, "")
		l.conn = nil
		return err
	}
	return nil
}
