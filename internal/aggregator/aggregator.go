// Package aggregator computes threat-intelligence summaries over recorded
// packets: top hostile IPs, attack-vector distribution, geo breakdown,
// AI-confidence buckets, and the incident timeline. It prefers the
// PrimaryStore (SQL aggregates) and falls back to the always-on MemoryRing
// and ThreatLog tiers when PrimaryStore is not configured. Every summary is
// scoped to a single owner: there is no cross-tenant read path.
package aggregator

import (
	"math"
	"sort"
	"time"

	"tracel/internal/storage"
)

// DefaultTopHostileIPLimit is the top_hostile_ips row count when the caller
// doesn't request a limit.
const DefaultTopHostileIPLimit = 5

// ThreatIntel is the combined threat-intelligence snapshot served by
// /api/threat-intel, scoped to one owner.
type ThreatIntel struct {
	TotalThreats      int64                  `json:"total_threats"`
	TopHostileIPs     []storage.TopHostileIP `json:"top_hostile_ips"`
	VectorCounts      map[string]int64       `json:"vector_distribution"`
	GeoCounts         []storage.GeoCount     `json:"geo_all_countries"`
	ConfidenceBuckets ConfidenceBuckets      `json:"ai_confidence_distribution"`
}

// ConfidenceBuckets is the relative-percentile breakdown of in-window scored
// THREAT packets: sorted ascending by ai_score (lower score means more
// suspicious), Obvious is the bottom 20%, Subtle the next 40%, Other the
// remaining 40%. The threshold fields report the ai_score at each bucket's
// upper edge.
type ConfidenceBuckets struct {
	Obvious          int64   `json:"Obvious"`
	Subtle           int64   `json:"Subtle"`
	Other            int64   `json:"Other"`
	ObviousThreshold float64 `json:"obvious_threshold"`
	SubtleThreshold  float64 `json:"subtle_threshold"`
}

// Aggregator computes aggregate views over stored packets.
type Aggregator struct {
	primary *storage.PrimaryStore // nil when PRIMARY_DB_URL is unset
	ring    *storage.MemoryRing
	log     *storage.ThreatLog
}

// New creates an Aggregator. primary may be nil.
func New(primary *storage.PrimaryStore, ring *storage.MemoryRing, log *storage.ThreatLog) *Aggregator {
	return &Aggregator{primary: primary, ring: ring, log: log}
}

// ThreatIntelSummary returns the combined threat-intel snapshot for ownerID
// since the given time (nil means all time). limit <= 0 uses
// DefaultTopHostileIPLimit.
func (a *Aggregator) ThreatIntelSummary(ownerID string, since *time.Time, limit int) (ThreatIntel, error) {
	if limit <= 0 {
		limit = DefaultTopHostileIPLimit
	}
	if a.primary != nil {
		return a.fromPrimary(ownerID, since, limit)
	}
	return a.fromFallback(ownerID, since, limit), nil
}

func (a *Aggregator) fromPrimary(ownerID string, since *time.Time, limit int) (ThreatIntel, error) {
	var intel ThreatIntel

	total, err := a.primary.CountPackets(storage.ListPacketsOptions{
		OwnerID:        ownerID,
		Classification: storage.ClassificationThreat,
		Since:          since,
	})
	if err != nil {
		return intel, err
	}
	intel.TotalThreats = total

	top, err := a.primary.GetTopHostileIPs(ownerID, since, limit)
	if err != nil {
		return intel, err
	}
	intel.TopHostileIPs = top

	vec, err := a.primary.GetVectorDistribution(ownerID, since)
	if err != nil {
		return intel, err
	}
	intel.VectorCounts = vec

	geo, err := a.primary.GetGeoBreakdown(ownerID, since)
	if err != nil {
		return intel, err
	}
	intel.GeoCounts = buildGeoBreakdown(geo)

	scores, err := a.primary.GetConfidenceScores(ownerID, since)
	if err != nil {
		return intel, err
	}
	intel.ConfidenceBuckets = buildConfidenceBuckets(scores)

	return intel, nil
}

// fromFallback reconstructs the same summary from the in-memory ring when
// no durable PrimaryStore is configured. The ring only ever holds recent
// packets per owner, so this reflects recent activity rather than full
// history.
func (a *Aggregator) fromFallback(ownerID string, since *time.Time, limit int) ThreatIntel {
	intel := ThreatIntel{
		VectorCounts: make(map[string]int64),
	}

	hostileCounts := make(map[string]hostileStat)
	geoCounts := make(map[string]int64)
	var scores []float64

	for _, p := range a.ring.AllThreats(ownerID) {
		if since != nil && p.Timestamp.Before(*since) {
			continue
		}

		intel.TotalThreats++

		stat := hostileCounts[p.SrcIP]
		stat.count++
		if p.Timestamp.After(stat.lastSeen) {
			stat.lastSeen = p.Timestamp
		}
		hostileCounts[p.SrcIP] = stat

		if p.AttackVector != storage.VectorNone {
			intel.VectorCounts[string(p.AttackVector)]++
		}
		country := p.Country
		if country == "" {
			country = "Unknown"
		}
		geoCounts[country]++
		if p.Scored {
			scores = append(scores, p.AIScore)
		}
	}

	intel.GeoCounts = buildGeoBreakdown(geoCounts)
	intel.ConfidenceBuckets = buildConfidenceBuckets(scores)
	intel.TopHostileIPs = topN(hostileCounts, limit)
	return intel
}

type hostileStat struct {
	count    int64
	lastSeen time.Time
}

func topN(counts map[string]hostileStat, n int) []storage.TopHostileIP {
	out := make([]storage.TopHostileIP, 0, len(counts))
	for ip, stat := range counts {
		out = append(out, storage.TopHostileIP{IP: ip, ThreatCount: stat.count, LastSeen: stat.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ThreatCount != out[j].ThreatCount {
			return out[i].ThreatCount > out[j].ThreatCount
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// buildGeoBreakdown sorts raw per-country counts by count descending and
// attaches a whole-percent share of the total, floored so the shares never
// sum past 100.
func buildGeoBreakdown(counts map[string]int64) []storage.GeoCount {
	var total int64
	for _, c := range counts {
		total += c
	}

	out := make([]storage.GeoCount, 0, len(counts))
	for name, c := range counts {
		pct := 0
		if total > 0 {
			pct = int(c * 100 / total)
		}
		out = append(out, storage.GeoCount{Name: name, Count: c, Pct: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// buildConfidenceBuckets partitions ascending-sorted scores into the
// Obvious/Subtle/Other relative percentile split: bottom 20% is Obvious
// (lower ai_score means a more blatant, easily-flagged attack), next 40% is
// Subtle, remaining 40% is Other. Scores that are all equal collapse into a
// single Obvious bucket rather than splitting an indivisible distribution.
func buildConfidenceBuckets(scores []float64) ConfidenceBuckets {
	n := len(scores)
	if n == 0 {
		return ConfidenceBuckets{}
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	if sorted[0] == sorted[n-1] {
		return ConfidenceBuckets{
			Obvious:          int64(n),
			ObviousThreshold: sorted[0],
			SubtleThreshold:  sorted[0],
		}
	}

	obviousCut := int(math.Ceil(float64(n) * 0.2))
	if obviousCut < 1 {
		obviousCut = 1
	}
	subtleCut := int(math.Ceil(float64(n) * 0.6))
	if subtleCut < obviousCut {
		subtleCut = obviousCut
	}
	if subtleCut > n {
		subtleCut = n
	}

	return ConfidenceBuckets{
		Obvious:          int64(obviousCut),
		Subtle:           int64(subtleCut - obviousCut),
		Other:            int64(n - subtleCut),
		ObviousThreshold: sorted[obviousCut-1],
		SubtleThreshold:  sorted[subtleCut-1],
	}
}

// IncidentTimeline delegates to PrimaryStore's SQL bucketing when
// available; otherwise it replays the append-only ThreatLog and buckets in
// memory, since the bounded MemoryRing alone wouldn't retain enough history.
// Both paths are scoped to ownerID.
func (a *Aggregator) IncidentTimeline(ownerID string, since time.Time, granularity string) ([]storage.IncidentBucket, error) {
	if a.primary != nil {
		return a.primary.GetIncidentTimeline(ownerID, since, granularity)
	}

	packets, err := a.log.Hydrate()
	if err != nil {
		return nil, err
	}

	counts := make(map[time.Time]int64)
	for _, p := range packets {
		if p.OwnerID != ownerID || !p.IsThreat() || p.Timestamp.Before(since) {
			continue
		}
		counts[truncate(p.Timestamp, granularity)]++
	}

	out := make([]storage.IncidentBucket, 0, len(counts))
	for bucket, count := range counts {
		out = append(out, storage.IncidentBucket{Bucket: bucket, ThreatCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func truncate(t time.Time, granularity string) time.Time {
	t = t.UTC()
	switch granularity {
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // "hour"
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	}
}

// AutoGranularity picks hour/day/month bucketing from the elapsed span,
// mirroring PrimaryStore's own "auto" rule so callers not hitting SQL
// (the fallback path) can still label a sensible granularity.
func AutoGranularity(since time.Time) string {
	elapsed := time.Since(since)
	switch {
	case elapsed <= 48*time.Hour:
		return "hour"
	case elapsed <= 120*24*time.Hour:
		return "day"
	default:
		return "month"
	}
}
