// Package anticheat observes confirmed snapshots and input history for
// statistically implausible behavior. Detectors only report; they never
// mutate simulation state. Enforcement is the authority's decision.
package anticheat

import (
	"context"
	"math"
	"sync"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

// DetectionType classifies a suspected violation.
type DetectionType string

const (
	DetectionSpeedHack       DetectionType = "speed-hack"
	DetectionModifiedClient  DetectionType = "modified-client"
	DetectionSuspiciousStats DetectionType = "suspicious-stats"
)

// Recommendation is the suggested enforcement action, in escalating order.
type Recommendation string

const (
	RecommendWarn Recommendation = "warn"
	RecommendFlag Recommendation = "flag"
	RecommendKick Recommendation = "kick"
	RecommendBan  Recommendation = "ban"
)

// Detection is a single flagged anomaly.
type Detection struct {
	Type           DetectionType  `json:"type"`
	PlayerID       string         `json:"playerId"`
	Tick           uint64         `json:"tick"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Detail         string         `json:"detail,omitempty"`
}

// EventDetection is published once per flagged anomaly.
const EventDetection logging.EventType = "anticheat.detection"

const metricDetections = "anticheat_detection_total"

// Detector inspects the transition between two consecutive confirmed
// snapshots plus the inputs confirmed in between. Implementations must not
// retain the slices they are handed.
type Detector interface {
	Name() string
	Inspect(prev, next proto.StateSnapshot, inputs []proto.InputFrame) []Detection
}

// Config tunes the monitor and its built-in detectors.
type Config struct {
	// MaxSpeed is the largest plausible per-entity speed in units/second.
	MaxSpeed float64
	// TickRate converts tick deltas into seconds for displacement checks.
	TickRate int
	// MaxActionsPerFrame bounds the distinct actions a single input frame
	// may carry before it looks machine-generated.
	MaxActionsPerFrame int
	// HistoryLimit bounds the retained detection log.
	HistoryLimit int

	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

func (c Config) normalized() Config {
	out := c
	if out.MaxSpeed <= 0 {
		out.MaxSpeed = 150
	}
	if out.TickRate <= 0 {
		out.TickRate = 30
	}
	if out.MaxActionsPerFrame <= 0 {
		out.MaxActionsPerFrame = 16
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 256
	}
	if out.Publisher == nil {
		out.Publisher = logging.NopPublisher()
	}
	return out
}

// Monitor runs detectors over the confirmed stream and records what they
// flag. ObserveSnapshot is called from the tick loop, so no internal
// locking races with ingestion; the mutex guards the copy-out accessors.
type Monitor struct {
	cfg       Config
	detectors []Detector

	mu      sync.Mutex
	prev    proto.StateSnapshot
	hasPrev bool
	flagged []Detection
}

// NewMonitor builds a monitor with the built-in detectors plus any extras.
func NewMonitor(cfg Config, extra ...Detector) *Monitor {
	cfg = cfg.normalized()
	detectors := []Detector{
		&speedDetector{maxSpeed: cfg.MaxSpeed, tickRate: cfg.TickRate},
		&inputDetector{maxActions: cfg.MaxActionsPerFrame},
	}
	detectors = append(detectors, extra...)
	return &Monitor{cfg: cfg, detectors: detectors}
}

// ObserveSnapshot feeds the next confirmed snapshot and the input frames
// confirmed since the previous one through every detector.
func (m *Monitor) ObserveSnapshot(snap proto.StateSnapshot, inputs []proto.InputFrame) []Detection {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.hasPrev {
		m.prev = snap
		m.hasPrev = true
		m.mu.Unlock()
		return nil
	}
	prev := m.prev
	m.prev = snap
	m.mu.Unlock()

	if snap.Tick <= prev.Tick {
		return nil
	}

	var found []Detection
	for _, det := range m.detectors {
		found = append(found, det.Inspect(prev, snap, inputs)...)
	}
	if len(found) == 0 {
		return nil
	}

	m.mu.Lock()
	m.flagged = append(m.flagged, found...)
	if len(m.flagged) > m.cfg.HistoryLimit {
		m.flagged = m.flagged[len(m.flagged)-m.cfg.HistoryLimit:]
	}
	m.mu.Unlock()

	for _, d := range found {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.Add(metricDetections, 1)
		}
		m.cfg.Publisher.Publish(context.Background(), logging.Event{
			Type:     EventDetection,
			Tick:     d.Tick,
			Actor:    logging.EntityRef{ID: d.PlayerID, Kind: logging.EntityKindPeer},
			Severity: logging.SeverityWarn,
			Category: logging.CategoryAntiCheat,
			Payload:  d,
		})
	}
	return found
}

// Detections copies out the retained detection log.
func (m *Monitor) Detections() []Detection {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Detection, len(m.flagged))
	copy(out, m.flagged)
	return out
}

// Reset clears the snapshot cursor and the detection log.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hasPrev = false
	m.prev = proto.StateSnapshot{}
	m.flagged = nil
	m.mu.Unlock()
}

// speedDetector flags entities whose displacement between two confirmed
// ticks implies a speed beyond the configured ceiling.
type speedDetector struct {
	maxSpeed float64
	tickRate int
}

func (d *speedDetector) Name() string { return "speed" }

func (d *speedDetector) Inspect(prev, next proto.StateSnapshot, _ []proto.InputFrame) []Detection {
	elapsed := float64(next.Tick-prev.Tick) / float64(d.tickRate)
	if elapsed <= 0 {
		return nil
	}
	var found []Detection
	for id, ent := range next.Entities {
		before, ok := prev.Entities[id]
		if !ok {
			continue
		}
		dist := math.Hypot(ent.X-before.X, ent.Y-before.Y)
		speed := dist / elapsed
		if speed <= d.maxSpeed {
			continue
		}
		ratio := speed / d.maxSpeed
		confidence := 1 - 1/ratio
		rec := RecommendFlag
		switch {
		case ratio >= 10:
			rec = RecommendBan
		case ratio >= 4:
			rec = RecommendKick
		case ratio < 1.5:
			rec = RecommendWarn
		}
		found = append(found, Detection{
			Type:           DetectionSpeedHack,
			PlayerID:       id,
			Tick:           next.Tick,
			Confidence:     confidence,
			Recommendation: rec,
			Detail:         "displacement exceeds speed ceiling",
		})
	}
	return found
}

// inputDetector flags frames whose checksum fails verification or that
// carry implausibly many simultaneous actions.
type inputDetector struct {
	maxActions int
}

func (d *inputDetector) Name() string { return "input" }

func (d *inputDetector) Inspect(_, next proto.StateSnapshot, inputs []proto.InputFrame) []Detection {
	var found []Detection
	for _, frame := range inputs {
		if !frame.VerifyChecksum() {
			found = append(found, Detection{
				Type:           DetectionModifiedClient,
				PlayerID:       frame.PlayerID,
				Tick:           frame.Tick,
				Confidence:     0.95,
				Recommendation: RecommendKick,
				Detail:         "input frame checksum failed",
			})
			continue
		}
		if len(frame.Actions) > d.maxActions {
			found = append(found, Detection{
				Type:           DetectionSuspiciousStats,
				PlayerID:       frame.PlayerID,
				Tick:           frame.Tick,
				Confidence:     0.5,
				Recommendation: RecommendFlag,
				Detail:         "action set larger than humanly plausible",
			})
		}
	}
	return found
}
