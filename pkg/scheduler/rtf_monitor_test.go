package scheduler

import "testing"

func TestRTFMonitorRecordAndStatistics(t *testing.T) {
	m := NewRTFMonitor(10)
	m.Record(1000, 500, 1, "kokoro", "v1") // RTF 0.5
	m.Record(1000, 1000, 1, "kokoro", "v1") // RTF 1.0
	m.Record(1000, 1500, 1, "kokoro", "v1") // RTF 1.5

	stats := m.Statistics()
	if stats.Count != 3 {
		t.Fatalf("expected 3 samples, got %d", stats.Count)
	}
	if stats.Min != 0.5 || stats.Max != 1.5 {
		t.Fatalf("expected min/max 0.5/1.5, got %v/%v", stats.Min, stats.Max)
	}
	if stats.Mean < 0.99 || stats.Mean > 1.01 {
		t.Fatalf("expected mean ~1.0, got %v", stats.Mean)
	}
}

func TestRTFMonitorRejectsZeroDuration(t *testing.T) {
	m := NewRTFMonitor(10)
	m.Record(0, 500, 1, "kokoro", "v1")
	if m.Statistics().Count != 0 {
		t.Fatal("expected zero-duration sample to be rejected")
	}
}

func TestRTFMonitorRollingWindowEvictsOldest(t *testing.T) {
	m := NewRTFMonitor(2)
	m.Record(1000, 100, 1, "a", "v1") // RTF 0.1, will be evicted
	m.Record(1000, 200, 1, "a", "v1") // RTF 0.2
	m.Record(1000, 300, 1, "a", "v1") // RTF 0.3

	stats := m.Statistics()
	if stats.Count != 2 {
		t.Fatalf("expected window capped at 2, got %d", stats.Count)
	}
	if stats.Min != 0.2 {
		t.Fatalf("expected oldest sample evicted, min should be 0.2, got %v", stats.Min)
	}
}

func TestRTFMonitorHasReliableData(t *testing.T) {
	m := NewRTFMonitor(50)
	for i := 0; i < 9; i++ {
		m.Record(1000, 500, 1, "a", "v1")
	}
	if m.HasReliableData() {
		t.Fatal("expected insufficient data at 9 samples")
	}
	m.Record(1000, 500, 1, "a", "v1")
	if !m.HasReliableData() {
		t.Fatal("expected reliable data at 10 samples")
	}
}

func TestRTFMonitorMaxSustainablePlaybackRateDefaultsWithNoData(t *testing.T) {
	m := NewRTFMonitor(50)
	if got := m.MaxSustainablePlaybackRate(); got != defaultMaxSustainableRate {
		t.Fatalf("expected default %v, got %v", defaultMaxSustainableRate, got)
	}
}

func TestRTFMonitorStatisticsForEngineFiltersCorrectly(t *testing.T) {
	m := NewRTFMonitor(50)
	m.Record(1000, 500, 1, "kokoro", "v1")
	m.Record(1000, 2000, 1, "piper", "v2")

	kokoroStats := m.StatisticsForEngine("kokoro")
	if kokoroStats.Count != 1 || kokoroStats.Mean != 0.5 {
		t.Fatalf("expected kokoro-only stats of {count:1, mean:0.5}, got %+v", kokoroStats)
	}
}
