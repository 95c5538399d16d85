// Package baseline implements the per-owner adaptive SAFE/THREAT decision
// rule: a rolling window of SAFE scores feeds a running mean and standard
// deviation, and anything K standard deviations below that mean is
// classified THREAT — lower anomaly scores indicate more suspicious
// traffic.
package baseline

import (
	"math"
	"sync"
)

// Snapshot is a read-only view of a Baseline's current statistics.
type Snapshot struct {
	Count     int
	Mean      float64
	StdDev    float64
	Threshold float64
	WarmedUp  bool
}

// Baseline tracks one owner's rolling window of SAFE anomaly scores and
// derives the SAFE/THREAT decision boundary from it.
type Baseline struct {
	mu                sync.Mutex
	window            int
	warmupMin         int
	k                 float64
	fallbackThreshold float64

	scores []float64
	sum    float64
	sumSq  float64

	hasCalibrated       bool
	calibratedThreshold float64
}

// New creates a Baseline with the given rolling window size, the minimum
// sample count before the threshold is considered warmed up, and the
// standard-deviation multiplier k used to derive the threshold.
func New(window, warmupMin int, k, fallbackThreshold float64) *Baseline {
	if window <= 0 {
		window = 1
	}
	if warmupMin <= 0 {
		warmupMin = 1
	}
	if warmupMin > window {
		warmupMin = window
	}
	return &Baseline{
		window:            window,
		warmupMin:         warmupMin,
		k:                 k,
		fallbackThreshold: fallbackThreshold,
	}
}

// AdmitSafe records one SAFE score into the rolling window, evicting the
// oldest sample once the window is full.
func (b *Baseline) AdmitSafe(score float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scores = append(b.scores, score)
	b.sum += score
	b.sumSq += score * score

	if len(b.scores) > b.window {
		evicted := b.scores[0]
		b.scores = b.scores[1:]
		b.sum -= evicted
		b.sumSq -= evicted * evicted
	}
}

// UpdateCalibratedThreshold records the most recent calibrated_threshold
// reported by the AI client, used as the not-warmed-up fallback threshold
// in place of the static default once the AI has reported one.
func (b *Baseline) UpdateCalibratedThreshold(threshold float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasCalibrated = true
	b.calibratedThreshold = threshold
}

// Snapshot returns the current statistics without mutating state.
func (b *Baseline) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Baseline) snapshotLocked() Snapshot {
	n := len(b.scores)
	s := Snapshot{Count: n}

	if n == 0 {
		s.Threshold = b.notWarmedUpThresholdLocked()
		return s
	}

	mean := b.sum / float64(n)
	variance := b.sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)

	s.Mean = mean
	s.StdDev = stddev
	s.WarmedUp = n >= b.warmupMin

	if s.WarmedUp {
		s.Threshold = mean - b.k*stddev
	} else {
		s.Threshold = b.notWarmedUpThresholdLocked()
	}
	return s
}

// notWarmedUpThresholdLocked returns the AI client's last calibrated
// threshold if one has ever been reported, else the static configured
// fallback.
func (b *Baseline) notWarmedUpThresholdLocked() float64 {
	if b.hasCalibrated {
		return b.calibratedThreshold
	}
	return b.fallbackThreshold
}

// Classify returns SAFE or THREAT for score against the current baseline,
// along with the snapshot the decision was made from. Equality is SAFE.
// The very first packet ever seen (n=0, no calibrated threshold yet) is
// always SAFE, since there is no baseline to compare against.
func (b *Baseline) Classify(score float64) (threat bool, snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap = b.snapshotLocked()
	if snap.Count == 0 && !b.hasCalibrated {
		return false, snap
	}

	return score < snap.Threshold, snap
}
