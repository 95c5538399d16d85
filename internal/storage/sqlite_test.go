package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestPrimaryStore(t *testing.T) *PrimaryStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "primary.db")
	s, err := NewPrimaryStore(path)
	if err != nil {
		t.Fatalf("NewPrimaryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSavePacketAndList(t *testing.T) {
	s := newTestPrimaryStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	p := Packet{
		ID: "p1", OwnerID: "owner1", Timestamp: now,
		SrcIP: "1.2.3.4", DstIP: "5.6.7.8", Protocol: "tcp", DstPort: 443, Bytes: 1024,
		Country: "US", Lat: 1.1, Lon: 2.2, AIScore: 0.9, Scored: true,
		Classification: ClassificationThreat, AttackVector: VectorVolumetric,
	}
	if err := s.SavePacket(p); err != nil {
		t.Fatalf("SavePacket: %v", err)
	}

	got, err := s.ListPackets(ListPacketsOptions{OwnerID: "owner1"})
	if err != nil {
		t.Fatalf("ListPackets: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d packets, want 1", len(got))
	}
	if got[0].SrcIP != "1.2.3.4" || got[0].Classification != ClassificationThreat {
		t.Errorf("unexpected packet: %+v", got[0])
	}
}

func TestCountPacketsFiltersByClassification(t *testing.T) {
	s := newTestPrimaryStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		cls := ClassificationSafe
		if i == 0 {
			cls = ClassificationThreat
		}
		if err := s.SavePacket(Packet{ID: string(rune('a' + i)), OwnerID: "o", Timestamp: now, Classification: cls}); err != nil {
			t.Fatalf("SavePacket: %v", err)
		}
	}

	count, err := s.CountPackets(ListPacketsOptions{Classification: ClassificationThreat})
	if err != nil {
		t.Fatalf("CountPackets: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountPackets = %d, want 1", count)
	}
}

func TestGetTopHostileIPs(t *testing.T) {
	s := newTestPrimaryStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := s.SavePacket(Packet{ID: string(rune('a' + i)), OwnerID: "o", SrcIP: "9.9.9.9", Timestamp: now, Classification: ClassificationThreat}); err != nil {
			t.Fatalf("SavePacket: %v", err)
		}
	}
	if err := s.SavePacket(Packet{ID: "z", OwnerID: "o", SrcIP: "1.1.1.1", Timestamp: now, Classification: ClassificationThreat}); err != nil {
		t.Fatalf("SavePacket: %v", err)
	}

	top, err := s.GetTopHostileIPs("o", nil, 5)
	if err != nil {
		t.Fatalf("GetTopHostileIPs: %v", err)
	}
	if len(top) == 0 || top[0].IP != "9.9.9.9" || top[0].ThreatCount != 3 {
		t.Fatalf("unexpected top hostile IPs: %+v", top)
	}
}

func TestGetIncidentTimelineHourly(t *testing.T) {
	s := newTestPrimaryStore(t)
	now := time.Now().UTC()

	if err := s.SavePacket(Packet{ID: "a", OwnerID: "o", Timestamp: now, Classification: ClassificationThreat}); err != nil {
		t.Fatalf("SavePacket: %v", err)
	}

	points, err := s.GetIncidentTimeline("o", now.Add(-time.Hour), "hour")
	if err != nil {
		t.Fatalf("GetIncidentTimeline: %v", err)
	}
	if len(points) != 1 || points[0].ThreatCount != 1 {
		t.Fatalf("unexpected timeline: %+v", points)
	}
}

func TestContactSubmissionRoundTrip(t *testing.T) {
	s := newTestPrimaryStore(t)
	c := ContactSubmission{ID: "c1", Timestamp: time.Now(), Name: "Jo", Email: "jo@example.com", Message: "hi"}
	if err := s.SaveContactSubmission(c); err != nil {
		t.Fatalf("SaveContactSubmission: %v", err)
	}
	list, err := s.ListContactSubmissions(10)
	if err != nil {
		t.Fatalf("ListContactSubmissions: %v", err)
	}
	if len(list) != 1 || list[0].Email != "jo@example.com" {
		t.Fatalf("unexpected contact submissions: %+v", list)
	}
}

func TestResetClearsPackets(t *testing.T) {
	s := newTestPrimaryStore(t)
	if err := s.SavePacket(Packet{ID: "p", OwnerID: "o", Timestamp: time.Now(), Classification: ClassificationSafe}); err != nil {
		t.Fatalf("SavePacket: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	count, err := s.CountPackets(ListPacketsOptions{})
	if err != nil {
		t.Fatalf("CountPackets: %v", err)
	}
	if count != 0 {
		t.Fatalf("CountPackets after reset = %d, want 0", count)
	}
}
