package network

import (
	"context"

	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

const (
	// EventGapSkipped is emitted when the ordered-delivery buffer abandons a
	// missing sequence after the gap timeout.
	EventGapSkipped logging.EventType = "network.gap_skipped"
	// EventRetransmit is emitted when a reliable message is resent.
	EventRetransmit logging.EventType = "network.retransmit"
	// EventRetransmitGiveUp is emitted when a reliable message exhausts its
	// retry budget.
	EventRetransmitGiveUp logging.EventType = "network.retransmit_give_up"
	// EventBackpressureDrop is emitted when an unreliable message is shed
	// under outbound backpressure.
	EventBackpressureDrop logging.EventType = "network.backpressure_drop"
	// EventHeartbeatTimeout is emitted when a peer misses heartbeats beyond
	// the timeout threshold.
	EventHeartbeatTimeout logging.EventType = "network.heartbeat_timeout"
)

// GapPayload captures the sequence range abandoned by a gap skip.
type GapPayload struct {
	Sender string `json:"sender"`
	From   uint64 `json:"from"`
	To     uint64 `json:"to"`
}

// GapSkipped publishes a warning when ordered delivery skips a gap.
func GapSkipped(ctx context.Context, pub logging.Publisher, tick uint64, payload GapPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventGapSkipped,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: payload.Sender, Kind: logging.EntityKindPeer},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// RetransmitPayload captures a reliable retransmission.
type RetransmitPayload struct {
	Seq     uint64 `json:"seq"`
	Attempt int    `json:"attempt"`
}

// Retransmit publishes a debug event for a reliable resend.
func Retransmit(ctx context.Context, pub logging.Publisher, tick uint64, payload RetransmitPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRetransmit,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSession},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// RetransmitGiveUp publishes an error event when a reliable message is
// abandoned.
func RetransmitGiveUp(ctx context.Context, pub logging.Publisher, tick uint64, payload RetransmitPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRetransmitGiveUp,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSession},
		Severity: logging.SeverityError,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// BackpressurePayload captures an unreliable message shed under load.
type BackpressurePayload struct {
	Type  string `json:"type"`
	Bytes int    `json:"bytes"`
}

// BackpressureDrop publishes a debug event for a shed unreliable message.
func BackpressureDrop(ctx context.Context, pub logging.Publisher, tick uint64, payload BackpressurePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBackpressureDrop,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSession},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// HeartbeatTimeout publishes a warning when a peer times out.
func HeartbeatTimeout(ctx context.Context, pub logging.Publisher, tick uint64, peerID string, silentMillis int64) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventHeartbeatTimeout,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: peerID, Kind: logging.EntityKindPeer},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  map[string]int64{"silentMillis": silentMillis},
	})
}
