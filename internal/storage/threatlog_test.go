package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestThreatLogAppendAndHydrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threat.log")
	tl, err := NewThreatLog(path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewThreatLog: %v", err)
	}
	defer tl.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		p := Packet{ID: string(rune('a' + i)), OwnerID: "owner1", Timestamp: now, Classification: ClassificationThreat}
		if err := tl.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := tl.Hydrate()
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Hydrate returned %d records, want 3", len(records))
	}
}

func TestThreatLogHydrateAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threat.log")
	tl, err := NewThreatLog(path, time.Second)
	if err != nil {
		t.Fatalf("NewThreatLog: %v", err)
	}
	if err := tl.Append(Packet{ID: "x", OwnerID: "o", Timestamp: time.Now(), Classification: ClassificationThreat}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tl2, err := NewThreatLog(path, time.Second)
	if err != nil {
		t.Fatalf("reopen NewThreatLog: %v", err)
	}
	defer tl2.Close()

	records, err := tl2.Hydrate()
	if err != nil {
		t.Fatalf("Hydrate after reopen: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after reopen, want 1", len(records))
	}
}

func TestThreatLogCompactDropsOldRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threat.log")
	tl, err := NewThreatLog(path, time.Second)
	if err != nil {
		t.Fatalf("NewThreatLog: %v", err)
	}
	defer tl.Close()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	if err := tl.Append(Packet{ID: "old", OwnerID: "o", Timestamp: old, Classification: ClassificationThreat}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := tl.Append(Packet{ID: "new", OwnerID: "o", Timestamp: recent, Classification: ClassificationThreat}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	kept, dropped, err := tl.Compact(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if kept != 1 || dropped != 1 {
		t.Fatalf("Compact kept=%d dropped=%d, want kept=1 dropped=1", kept, dropped)
	}

	records, err := tl.Hydrate()
	if err != nil {
		t.Fatalf("Hydrate after compact: %v", err)
	}
	if len(records) != 1 || records[0].ID != "new" {
		t.Fatalf("unexpected records after compact: %+v", records)
	}
}
