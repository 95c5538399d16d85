// Package storage implements the three persistence tiers: an optional
// SQLite-backed PrimaryStore, an always-on in-memory MemoryRing, and an
// always-on append-only ThreatLog.
package storage

import (
	"encoding/json"
	"time"
)

// Classification is the Baseline Engine's verdict for a packet.
type Classification string

const (
	ClassificationSafe   Classification = "SAFE"
	ClassificationThreat Classification = "THREAT"
)

// AttackVector names the category a THREAT packet was classified under.
type AttackVector string

const (
	VectorNone        AttackVector = ""
	VectorVolumetric  AttackVector = "volumetric"
	VectorProtocol    AttackVector = "protocol"
	VectorApplication AttackVector = "application"
)

// Packet is one enriched, classified traffic record belonging to an owner.
type Packet struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`

	SrcIP    string  `json:"source_ip"`
	DstIP    string  `json:"destination_ip"`
	Method   string  `json:"method"`
	Protocol string  `json:"protocol"`
	DstPort  int     `json:"dst_port"`
	Bytes    int64   `json:"bytes"`
	Entropy  float64 `json:"entropy"`

	Country string  `json:"source_country"`
	Lat     float64 `json:"source_lat"`
	Lon     float64 `json:"source_lon"`

	AIScore float64 `json:"anomaly_score"`
	Scored  bool    `json:"ai_scored"`

	Classification Classification `json:"classification"`
	AttackVector   AttackVector   `json:"attack_vector,omitempty"`

	BaselineMean      float64 `json:"anomaly_mean"`
	BaselineStdDev    float64 `json:"anomaly_stddev,omitempty"`
	BaselineThreshold float64 `json:"anomaly_threshold"`
	BaselineWarmedUp  bool    `json:"anomaly_warmed_up"`
	BaselineN         int     `json:"anomaly_baseline_n"`

	SimMode          string    `json:"sim_mode,omitempty"` // "normal" or "attack"
	SessionStartedAt time.Time `json:"session_started_at"`
}

// IsThreat reports whether the packet was classified as a threat.
func (p Packet) IsThreat() bool {
	return p.Classification == ClassificationThreat
}

// packetAlias is Packet stripped of its methods, so embedding it below
// doesn't promote MarshalJSON and recurse.
type packetAlias Packet

// MarshalJSON adds the derived is_anomaly field to the wire representation
// alongside the internal Classification enum.
func (p Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		packetAlias
		IsAnomaly bool `json:"is_anomaly"`
	}{packetAlias(p), p.IsThreat()})
}

// ContactSubmission is a message sent through the public contact form.
type ContactSubmission struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Org       string    `json:"org,omitempty"`
	Message   string    `json:"message"`
	OwnerID   string    `json:"owner_id,omitempty"`
}
