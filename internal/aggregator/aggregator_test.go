package aggregator

import (
	"path/filepath"
	"testing"
	"time"

	"tracel/internal/storage"
)

func newTestRing(t *testing.T) *storage.MemoryRing {
	t.Helper()
	return storage.NewMemoryRing(100)
}

func newTestThreatLog(t *testing.T) *storage.ThreatLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threats.ndjson")
	log, err := storage.NewThreatLog(path, time.Hour)
	if err != nil {
		t.Fatalf("NewThreatLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func threatPacket(ownerID, srcIP, country, vector string, score float64, at time.Time) storage.Packet {
	return storage.Packet{
		ID:             "p-" + srcIP + "-" + at.String(),
		OwnerID:        ownerID,
		Timestamp:      at,
		SrcIP:          srcIP,
		Country:        country,
		Classification: storage.ClassificationThreat,
		AttackVector:   storage.AttackVector(vector),
		AIScore:        score,
		Scored:         true,
	}
}

func TestThreatIntelSummaryFallbackNoPrimary(t *testing.T) {
	ring := newTestRing(t)
	log := newTestThreatLog(t)
	now := time.Now()

	ring.Add(threatPacket("owner-1", "1.2.3.4", "US", "volumetric", 0.95, now))
	ring.Add(threatPacket("owner-1", "1.2.3.4", "US", "volumetric", 0.91, now))
	ring.Add(threatPacket("owner-1", "5.6.7.8", "DE", "protocol", 0.60, now))

	agg := New(nil, ring, log)
	intel, err := agg.ThreatIntelSummary("owner-1", nil, 0)
	if err != nil {
		t.Fatalf("ThreatIntelSummary: %v", err)
	}

	if intel.TotalThreats != 3 {
		t.Errorf("TotalThreats = %d, want 3", intel.TotalThreats)
	}
	if len(intel.TopHostileIPs) == 0 || intel.TopHostileIPs[0].IP != "1.2.3.4" {
		t.Fatalf("TopHostileIPs = %+v, want 1.2.3.4 first", intel.TopHostileIPs)
	}
	if intel.TopHostileIPs[0].ThreatCount != 2 {
		t.Errorf("ThreatCount for top IP = %d, want 2", intel.TopHostileIPs[0].ThreatCount)
	}
	if intel.VectorCounts["volumetric"] != 2 {
		t.Errorf("VectorCounts[volumetric] = %d, want 2", intel.VectorCounts["volumetric"])
	}
	var usCount int64
	for _, g := range intel.GeoCounts {
		if g.Name == "US" {
			usCount = g.Count
		}
	}
	if usCount != 2 {
		t.Errorf("GeoCounts[US] = %d, want 2", usCount)
	}
	if intel.ConfidenceBuckets.Obvious < 1 {
		t.Errorf("ConfidenceBuckets.Obvious = %d, want >= 1", intel.ConfidenceBuckets.Obvious)
	}
}

func TestThreatIntelSummaryScopedToOwner(t *testing.T) {
	ring := newTestRing(t)
	log := newTestThreatLog(t)
	now := time.Now()

	ring.Add(threatPacket("owner-1", "1.2.3.4", "US", "volumetric", 0.95, now))
	ring.Add(threatPacket("owner-2", "9.9.9.9", "DE", "protocol", 0.5, now))

	agg := New(nil, ring, log)
	intel, err := agg.ThreatIntelSummary("owner-1", nil, 0)
	if err != nil {
		t.Fatalf("ThreatIntelSummary: %v", err)
	}
	if intel.TotalThreats != 1 {
		t.Fatalf("TotalThreats = %d, want 1 (owner-2's packet must not leak in)", intel.TotalThreats)
	}
	if len(intel.TopHostileIPs) != 1 || intel.TopHostileIPs[0].IP != "1.2.3.4" {
		t.Fatalf("TopHostileIPs = %+v, want only 1.2.3.4", intel.TopHostileIPs)
	}
}

func TestThreatIntelSummaryRespectsSince(t *testing.T) {
	ring := newTestRing(t)
	log := newTestThreatLog(t)
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	ring.Add(threatPacket("owner-1", "9.9.9.9", "US", "protocol", 0.8, old))
	ring.Add(threatPacket("owner-1", "8.8.8.8", "US", "protocol", 0.8, recent))

	agg := New(nil, ring, log)
	cutoff := time.Now().Add(-time.Hour)
	intel, err := agg.ThreatIntelSummary("owner-1", &cutoff, 0)
	if err != nil {
		t.Fatalf("ThreatIntelSummary: %v", err)
	}

	if len(intel.TopHostileIPs) != 1 || intel.TopHostileIPs[0].IP != "8.8.8.8" {
		t.Fatalf("TopHostileIPs = %+v, want only 8.8.8.8", intel.TopHostileIPs)
	}
}

func TestIncidentTimelineFallbackBucketsByHour(t *testing.T) {
	log := newTestThreatLog(t)
	ring := newTestRing(t)

	base := time.Date(2026, 7, 30, 10, 15, 0, 0, time.UTC)
	if err := log.Append(threatPacket("owner-1", "1.1.1.1", "US", "protocol", 0.7, base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(threatPacket("owner-1", "1.1.1.1", "US", "protocol", 0.7, base.Add(30*time.Minute))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(threatPacket("owner-1", "1.1.1.1", "US", "protocol", 0.7, base.Add(2*time.Hour))); err != nil {
		t.Fatalf("Append: %v", err)
	}

	agg := New(nil, ring, log)
	buckets, err := agg.IncidentTimeline("owner-1", base.Add(-time.Hour), "hour")
	if err != nil {
		t.Fatalf("IncidentTimeline: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("len(buckets) = %d, want 2 (one for hour 10, one for hour 12)", len(buckets))
	}
	if buckets[0].ThreatCount != 2 {
		t.Errorf("first bucket count = %d, want 2", buckets[0].ThreatCount)
	}
}

func TestAutoGranularityPicksHourDayMonth(t *testing.T) {
	if g := AutoGranularity(time.Now().Add(-time.Hour)); g != "hour" {
		t.Errorf("1h ago = %q, want hour", g)
	}
	if g := AutoGranularity(time.Now().Add(-10 * 24 * time.Hour)); g != "day" {
		t.Errorf("10d ago = %q, want day", g)
	}
	if g := AutoGranularity(time.Now().Add(-200 * 24 * time.Hour)); g != "month" {
		t.Errorf("200d ago = %q, want month", g)
	}
}
