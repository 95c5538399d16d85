// Package pipeline is the single source of truth that turns a raw simulator
// event into a classified, persisted, broadcast Packet: geolocate, score,
// classify against the owner's adaptive baseline, derive an attack vector,
// persist to every storage tier, and fan out to live subscribers.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tracel/internal/aiclient"
	"tracel/internal/baseline"
	"tracel/internal/broadcaster"
	"tracel/internal/geo"
	"tracel/internal/registry"
	"tracel/internal/simulator"
	"tracel/internal/storage"
	"tracel/internal/telemetry"
	"tracel/internal/vector"
)

// Pipeline holds every dependency the enrichment algorithm needs. One
// Pipeline is shared by every owner; Consume gives each owner's Entry.Out
// its own goroutine so one owner's slow AI call or storage write never
// delays another's.
type Pipeline struct {
	Geo       *geo.Locator
	AI        *aiclient.Client
	AITimeout time.Duration

	Primary   *storage.PrimaryStore // nil if no primary store is configured
	Ring      *storage.MemoryRing
	ThreatLog *storage.ThreatLog

	Broadcaster *broadcaster.Broadcaster
	Telemetry   *telemetry.Provider
}

// packetEnvelope is the server->client socket message for one classified
// packet, the "packet" message type documented alongside the client's
// "toggle_attack" control message.
type packetEnvelope struct {
	Type   string         `json:"type"`
	Packet storage.Packet `json:"packet"`
}

// Consume drains e.Out until the channel is closed on owner teardown,
// processing events strictly in arrival order — the single-writer-per-owner
// invariant e.Baseline and the MemoryRing depend on.
func (p *Pipeline) Consume(ctx context.Context, e *registry.Entry) {
	for raw := range e.Out {
		p.process(ctx, e, raw)
	}
}

func (p *Pipeline) process(ctx context.Context, e *registry.Entry, raw simulator.RawPacket) {
	ctx, span := p.Telemetry.StartPipelineSpan(ctx, raw.OwnerID, "")
	defer func() { span.End() }()

	pkt := storage.Packet{
		ID:               uuid.NewString(),
		OwnerID:          raw.OwnerID,
		Timestamp:        time.Now(),
		SrcIP:            raw.SrcIP,
		DstIP:            raw.DstIP,
		Method:           raw.Method,
		Protocol:         raw.Protocol,
		DstPort:          raw.DstPort,
		Bytes:            raw.Bytes,
		Entropy:          raw.Entropy,
		SimMode:          string(raw.Mode),
		SessionStartedAt: e.StartedAt,
	}

	if loc, ok := p.Geo.Lookup(raw.SrcIP); ok {
		pkt.Country, pkt.Lat, pkt.Lon = loc.Country, loc.Lat, loc.Lon
	}

	scoreCtx, cancel := context.WithTimeout(ctx, p.aiTimeout())
	result, failure := p.AI.Score(scoreCtx, raw.SrcIP, raw.DstIP, raw.Method, raw.Protocol, raw.DstPort, raw.Bytes, raw.Entropy, pkt.Country)
	cancel()
	if failure != aiclient.FailureNone {
		slog.Debug("ai scoring degraded this packet to unscored", "owner_id", raw.OwnerID, "failure", failure)
	}

	pkt.Scored = result.Scored
	pkt.AIScore = result.Score
	if result.HasCalibratedThreshold {
		e.Baseline.UpdateCalibratedThreshold(result.CalibratedThreshold)
	}

	var isAnomaly bool
	var snap baseline.Snapshot
	if pkt.Scored {
		isAnomaly, snap = e.Baseline.Classify(pkt.AIScore)
		if !isAnomaly {
			e.Baseline.AdmitSafe(pkt.AIScore)
		}
	} else {
		snap = e.Baseline.Snapshot()
	}
	pkt.BaselineMean = snap.Mean
	pkt.BaselineStdDev = snap.StdDev
	pkt.BaselineThreshold = snap.Threshold
	pkt.BaselineWarmedUp = snap.WarmedUp
	pkt.BaselineN = snap.Count

	if isAnomaly {
		pkt.Classification = storage.ClassificationThreat
		pkt.AttackVector = storage.AttackVector(e.Vector.Classify(vector.Features{
			OwnerID:  raw.OwnerID,
			DstIP:    raw.DstIP,
			Protocol: raw.Protocol,
			DstPort:  raw.DstPort,
			Bytes:    raw.Bytes,
			At:       pkt.Timestamp,
		}))
	} else {
		pkt.Classification = storage.ClassificationSafe
	}

	p.broadcast(pkt)
	p.persist(pkt)

	p.Telemetry.EndPipelineSpan(span, pkt.AIScore, pkt.Scored, string(pkt.Classification), string(pkt.AttackVector), nil)
	if pkt.IsThreat() {
		p.Telemetry.RecordThreatClassified(ctx, pkt.OwnerID, pkt.ID, string(pkt.AttackVector), pkt.AIScore)
	}
}

func (p *Pipeline) aiTimeout() time.Duration {
	if p.AITimeout <= 0 {
		return 2 * time.Second
	}
	return p.AITimeout
}

// persist writes pkt to every storage tier independently: a failure in one
// tier never blocks another, and none of them ever block the broadcast.
func (p *Pipeline) persist(pkt storage.Packet) {
	p.Ring.Add(pkt)

	if p.Primary != nil {
		if err := p.Primary.SavePacket(pkt); err != nil {
			slog.Warn("primary store write failed, packet still held in memory ring", "owner_id", pkt.OwnerID, "error", err)
		}
	}

	if pkt.IsThreat() {
		if err := p.ThreatLog.Append(pkt); err != nil {
			slog.Warn("threat log append failed", "owner_id", pkt.OwnerID, "error", err)
		}
	}
}

func (p *Pipeline) broadcast(pkt storage.Packet) {
	payload, err := json.Marshal(packetEnvelope{Type: "packet", Packet: pkt})
	if err != nil {
		slog.Error("failed to marshal packet for broadcast", "owner_id", pkt.OwnerID, "error", err)
		return
	}
	p.Broadcaster.Publish(pkt.OwnerID, payload)
}
