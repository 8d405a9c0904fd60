package sim

import (
	"testing"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

func entryAt(tick uint64, serverTime int64) SnapshotEntry {
	return SnapshotEntry{
		Snapshot:   proto.StateSnapshot{Tick: tick},
		ServerTime: serverTime,
	}
}

func TestSnapshotBufferRejectsStaleTicks(t *testing.T) {
	buffer := NewSnapshotBuffer(4, nil)
	if !buffer.Push(entryAt(10, 100)) {
		t.Fatalf("expected push of tick 10 to succeed")
	}
	if buffer.Push(entryAt(10, 110)) {
		t.Fatalf("same tick must be rejected")
	}
	if buffer.Push(entryAt(9, 90)) {
		t.Fatalf("older tick must be rejected")
	}
	if buffer.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", buffer.Len())
	}
}

func TestSnapshotBufferEvictsOldest(t *testing.T) {
	buffer := NewSnapshotBuffer(3, nil)
	for tick := uint64(1); tick <= 5; tick++ {
		if !buffer.Push(entryAt(tick, int64(tick*100))) {
			t.Fatalf("push tick %d", tick)
		}
	}
	if buffer.Len() != 3 {
		t.Fatalf("expected capped length 3, got %d", buffer.Len())
	}
	oldest, ok := buffer.Oldest()
	if !ok || oldest.Snapshot.Tick != 3 {
		t.Fatalf("expected oldest tick 3, got %+v", oldest.Snapshot.Tick)
	}
	latest, ok := buffer.Latest()
	if !ok || latest.Snapshot.Tick != 5 {
		t.Fatalf("expected latest tick 5, got %+v", latest.Snapshot.Tick)
	}
}

func TestSnapshotBufferBracket(t *testing.T) {
	buffer := NewSnapshotBuffer(8, nil)
	buffer.Push(entryAt(100, 1000))
	buffer.Push(entryAt(110, 1200))
	buffer.Push(entryAt(120, 1400))

	before, after, ok := buffer.Bracket(1300)
	if !ok {
		t.Fatalf("expected a bracket for an in-range target")
	}
	if before.Snapshot.Tick != 110 || after.Snapshot.Tick != 120 {
		t.Fatalf("unexpected bracket ticks %d/%d", before.Snapshot.Tick, after.Snapshot.Tick)
	}

	// Before the buffered range the oldest pair serves as the bracket.
	before, after, ok = buffer.Bracket(500)
	if !ok || before.Snapshot.Tick != 100 || after.Snapshot.Tick != 110 {
		t.Fatalf("expected oldest pair for an early target, got %d/%d ok=%v",
			before.Snapshot.Tick, after.Snapshot.Tick, ok)
	}

	// Past the newest entry the caller must extrapolate instead.
	if _, _, ok := buffer.Bracket(1400); ok {
		t.Fatalf("expected no bracket at or past the newest timestamp")
	}
}
