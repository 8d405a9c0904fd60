package sim

import (
	"strings"
	"testing"
)

func TestResyncPolicyTriggersOnLossRatio(t *testing.T) {
	policy := newResyncPolicy()
	for i := 0; i < 100; i++ {
		policy.noteEvent()
	}
	if _, ok := policy.consume(); ok {
		t.Fatalf("clean stream must not request a resync")
	}

	// A single loss over 100 events is well past 1 in 10k.
	policy.noteLost("gap", "seq 41-43")
	signal, ok := policy.consume()
	if !ok {
		t.Fatalf("expected a pending resync after the loss")
	}
	if signal.LostUpdates != 1 || signal.TotalEvents != 100 {
		t.Fatalf("unexpected signal counters: %+v", signal)
	}
	if len(signal.Reasons) != 1 || signal.Reasons[0].Kind != "gap" {
		t.Fatalf("unexpected reasons: %+v", signal.Reasons)
	}
}

func TestResyncPolicyConsumeIsOneShot(t *testing.T) {
	policy := newResyncPolicy()
	policy.noteEvent()
	policy.noteLost("checksum", "tick 9")
	if _, ok := policy.consume(); !ok {
		t.Fatalf("expected pending resync")
	}
	if _, ok := policy.consume(); ok {
		t.Fatalf("consume must clear the pending state")
	}
	// Counters restart after consumption.
	policy.noteEvent()
	if _, ok := policy.consume(); ok {
		t.Fatalf("fresh events alone must not re-trigger")
	}
}

func TestResyncPolicyForceBypassesRatio(t *testing.T) {
	policy := newResyncPolicy()
	for i := 0; i < 50; i++ {
		policy.noteEvent()
	}
	policy.force("rollback_window", "pending 12 > window 10")
	signal, ok := policy.consume()
	if !ok {
		t.Fatalf("forced signal must be pending")
	}
	if len(signal.Reasons) != 1 || signal.Reasons[0].Kind != "rollback_window" {
		t.Fatalf("unexpected reasons: %+v", signal.Reasons)
	}
	if !strings.Contains(signal.summary(), "total_events=50") {
		t.Fatalf("summary missing counters: %q", signal.summary())
	}
}
