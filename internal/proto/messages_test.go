package proto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	env, err := NewEnvelope(TypeChat, "p1", Chat{From: "p1", Text: "hi"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.Ver = Version + 1
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatalf("expected version mismatch to be rejected")
	} else if !strings.Contains(err.Error(), "version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestDecodeRequiresType(t *testing.T) {
	if _, err := Decode([]byte(`{"ver":1,"senderId":"p1"}`)); err == nil {
		t.Fatalf("expected missing type to be rejected")
	}
}

func TestDefaultProfiles(t *testing.T) {
	cases := []struct {
		msgType  string
		delivery Delivery
		priority Priority
	}{
		{TypeAuthenticate, DeliveryReliableOrdered, PriorityCritical},
		{TypePing, DeliveryUnreliable, PriorityCritical},
		{TypeInput, DeliveryUnreliable, PriorityHigh},
		{TypeStateSnapshot, DeliveryUnreliable, PriorityHigh},
		{TypeChat, DeliveryReliableOrdered, PriorityNormal},
		{TypeKeyframe, DeliveryReliableUnordered, PriorityHigh},
		{"unknown_type", DeliveryReliableOrdered, PriorityNormal},
	}
	for _, tc := range cases {
		delivery, priority := DefaultProfile(tc.msgType)
		if delivery != tc.delivery || priority != tc.priority {
			t.Fatalf("%s: expected %s/%s, got %s/%s", tc.msgType, tc.delivery, tc.priority, delivery, priority)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeLobbyUpdate, "server", LobbyUpdate{Lobby: LobbyInfo{ID: "lobby-1", HostID: "p1"}})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.Seq = 42
	env.OrderSeq = 7
	env.Timestamp = 1234

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Seq != 42 || decoded.OrderSeq != 7 || !decoded.Reliable || !decoded.Ordered {
		t.Fatalf("unexpected envelope after round trip: %+v", decoded)
	}
	update, err := DecodePayload[LobbyUpdate](decoded)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if update.Lobby.ID != "lobby-1" {
		t.Fatalf("expected lobby-1, got %q", update.Lobby.ID)
	}
}

func TestInputFrameChecksum(t *testing.T) {
	frame := InputFrame{
		Tick:     10,
		PlayerID: "p1",
		Actions:  map[string]float64{"moveX": 1, "moveY": -0.5},
	}
	frame.Checksum = frame.ComputeChecksum()
	if !frame.VerifyChecksum() {
		t.Fatalf("expected checksum to verify")
	}
	frame.Actions["moveX"] = -1
	if frame.VerifyChecksum() {
		t.Fatalf("expected tampered frame to fail verification")
	}
}

func TestSnapshotChecksumAndDelta(t *testing.T) {
	snap := StateSnapshot{
		Tick:     50,
		Entities: map[string]EntityState{"p1": {ID: "p1", X: 3}},
	}
	if snap.Delta() {
		t.Fatalf("base tick zero must mean a full snapshot")
	}
	snap.Checksum = snap.ComputeChecksum()
	if !snap.VerifyChecksum() {
		t.Fatalf("expected checksum to verify")
	}
	snap.Entities["p1"] = EntityState{ID: "p1", X: 4}
	if snap.VerifyChecksum() {
		t.Fatalf("expected modified snapshot to fail verification")
	}

	delta := StateSnapshot{Tick: 51, BaseTick: 50}
	if !delta.Delta() {
		t.Fatalf("nonzero base tick must mean a delta snapshot")
	}
}

func TestZeroChecksumNeverVerifies(t *testing.T) {
	frame := InputFrame{Tick: 1, PlayerID: "p1"}
	if frame.VerifyChecksum() {
		t.Fatalf("zero checksum must not verify")
	}
}
