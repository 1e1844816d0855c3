package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// EffectiveRate resolves the rate a request should be synthesized and keyed
// at: 1.0 under rate-independent synthesis, else the requested playback rate
// rounded to the configured quantization.
func (c Config) EffectiveRate(requestedRate float64) float64 {
	if c.RateIndependentSynthesis {
		return 1.0
	}
	q := c.EffectiveRateQuantization
	if q <= 0 {
		return requestedRate
	}
	return math.Round(requestedRate/q) * q
}

// normalizeText collapses whitespace and case so that trivially different
// renderings of the same sentence share a CacheKey.
func normalizeText(text string) string {
	fields := strings.Fields(text)
	return strings.ToLower(strings.Join(fields, " "))
}

// CacheKeyFor computes the canonical CacheKey string for (voiceID, text,
// effectiveRate). Two requests with equal CacheKey are, by contract,
// interchangeable outputs.
func CacheKeyFor(voiceID, text string, effectiveRate float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.3f", voiceID, normalizeText(text), effectiveRate)
	return hex.EncodeToString(h.Sum(nil))
}
