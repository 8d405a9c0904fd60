package anticheat

import (
	"testing"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

func snapAt(tick uint64, positions map[string][2]float64) proto.StateSnapshot {
	entities := make(map[string]proto.EntityState, len(positions))
	for id, pos := range positions {
		entities[id] = proto.EntityState{ID: id, X: pos[0], Y: pos[1]}
	}
	return proto.StateSnapshot{Tick: tick, Entities: entities}
}

func signedInput(tick uint64, playerID string, actions map[string]float64) proto.InputFrame {
	frame := proto.InputFrame{Tick: tick, PlayerID: playerID, Actions: actions}
	frame.Checksum = frame.ComputeChecksum()
	return frame
}

func TestFirstSnapshotOnlyPrimesCursor(t *testing.T) {
	monitor := NewMonitor(Config{})
	// Even an absurd position cannot be judged without a predecessor.
	found := monitor.ObserveSnapshot(snapAt(1, map[string][2]float64{"p1": {1e6, 0}}), nil)
	if found != nil {
		t.Fatalf("first snapshot must not produce detections, got %+v", found)
	}
}

func TestPlausibleMovementNotFlagged(t *testing.T) {
	monitor := NewMonitor(Config{MaxSpeed: 150, TickRate: 30})
	monitor.ObserveSnapshot(snapAt(10, map[string][2]float64{"p1": {0, 0}}), nil)
	// 4 units over one tick at 30hz is 120 u/s, under the 150 ceiling.
	found := monitor.ObserveSnapshot(snapAt(11, map[string][2]float64{"p1": {4, 0}}), nil)
	if len(found) != 0 {
		t.Fatalf("plausible movement flagged: %+v", found)
	}
	if len(monitor.Detections()) != 0 {
		t.Fatalf("detection log must stay empty")
	}
}

func TestSpeedViolationEscalatesWithSeverity(t *testing.T) {
	monitor := NewMonitor(Config{MaxSpeed: 150, TickRate: 30})
	monitor.ObserveSnapshot(snapAt(10, map[string][2]float64{"p1": {0, 0}}), nil)

	// 10 units in one tick is 300 u/s, twice the ceiling.
	found := monitor.ObserveSnapshot(snapAt(11, map[string][2]float64{"p1": {10, 0}}), nil)
	if len(found) != 1 {
		t.Fatalf("expected one detection, got %+v", found)
	}
	d := found[0]
	if d.Type != DetectionSpeedHack || d.PlayerID != "p1" || d.Tick != 11 {
		t.Fatalf("unexpected detection %+v", d)
	}
	if d.Recommendation != RecommendFlag {
		t.Fatalf("2x ceiling should flag, got %s", d.Recommendation)
	}
	if d.Confidence <= 0 || d.Confidence >= 1 {
		t.Fatalf("confidence out of range: %v", d.Confidence)
	}

	// Teleporting across the map earns a ban recommendation.
	found = monitor.ObserveSnapshot(snapAt(12, map[string][2]float64{"p1": {10000, 0}}), nil)
	if len(found) != 1 || found[0].Recommendation != RecommendBan {
		t.Fatalf("expected ban for teleport, got %+v", found)
	}
	if len(monitor.Detections()) != 2 {
		t.Fatalf("expected 2 retained detections, got %d", len(monitor.Detections()))
	}
}

func TestTamperedInputFlagsModifiedClient(t *testing.T) {
	monitor := NewMonitor(Config{MaxSpeed: 150, TickRate: 30})
	monitor.ObserveSnapshot(snapAt(10, map[string][2]float64{"p1": {0, 0}}), nil)

	tampered := signedInput(11, "p1", map[string]float64{"moveX": 1})
	tampered.Actions["moveX"] = -1 // mutate after signing

	found := monitor.ObserveSnapshot(snapAt(11, map[string][2]float64{"p1": {1, 0}}), []proto.InputFrame{tampered})
	if len(found) != 1 {
		t.Fatalf("expected one detection, got %+v", found)
	}
	if found[0].Type != DetectionModifiedClient || found[0].Recommendation != RecommendKick {
		t.Fatalf("unexpected detection %+v", found[0])
	}
}

func TestImplausibleActionCountFlagged(t *testing.T) {
	monitor := NewMonitor(Config{MaxActionsPerFrame: 4})
	monitor.ObserveSnapshot(snapAt(10, map[string][2]float64{"p1": {0, 0}}), nil)

	actions := make(map[string]float64)
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		actions[key] = 1
	}
	frame := signedInput(11, "p1", actions)

	found := monitor.ObserveSnapshot(snapAt(11, map[string][2]float64{"p1": {0.5, 0}}), []proto.InputFrame{frame})
	if len(found) != 1 || found[0].Type != DetectionSuspiciousStats {
		t.Fatalf("expected suspicious-stats detection, got %+v", found)
	}
}

func TestResetClearsCursorAndLog(t *testing.T) {
	monitor := NewMonitor(Config{MaxSpeed: 150, TickRate: 30})
	monitor.ObserveSnapshot(snapAt(10, map[string][2]float64{"p1": {0, 0}}), nil)
	monitor.ObserveSnapshot(snapAt(11, map[string][2]float64{"p1": {500, 0}}), nil)
	if len(monitor.Detections()) == 0 {
		t.Fatalf("expected a detection before reset")
	}

	monitor.Reset()
	if len(monitor.Detections()) != 0 {
		t.Fatalf("log must clear on reset")
	}
	// The cursor is primed again, so the next snapshot alone cannot flag.
	if found := monitor.ObserveSnapshot(snapAt(20, map[string][2]float64{"p1": {1e6, 0}}), nil); found != nil {
		t.Fatalf("post-reset first snapshot flagged: %+v", found)
	}
}
