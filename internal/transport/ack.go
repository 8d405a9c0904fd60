package transport

import (
	"fmt"
	"time"
)

// RetransmitError reports a reliable message abandoned after exhausting its
// retry budget. The connection is considered lost once this surfaces.
type RetransmitError struct {
	Seq      uint64
	Attempts int
}

func (e *RetransmitError) Error() string {
	return fmt.Sprintf("reliable message seq=%d unacknowledged after %d attempts", e.Seq, e.Attempts)
}

type pendingMessage struct {
	env      envelopeRef
	data     []byte
	attempts int
	deadline time.Time
}

type envelopeRef struct {
	Seq      uint64
	Type     string
	Priority int
}

// ackTracker owns the reliable acknowledgment map keyed by local sequence
// number. It is exclusively owned by the transport; callers interact through
// copy-out results only.
type ackTracker struct {
	pending     map[uint64]*pendingMessage
	baseDelay   time.Duration
	maxAttempts int
}

func newAckTracker(baseDelay time.Duration, maxAttempts int) *ackTracker {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &ackTracker{
		pending:     make(map[uint64]*pendingMessage),
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
	}
}

// Track registers an in-flight reliable frame awaiting acknowledgment.
func (t *ackTracker) Track(seq uint64, msgType string, priorityRank int, data []byte, now time.Time) {
	t.pending[seq] = &pendingMessage{
		env:      envelopeRef{Seq: seq, Type: msgType, Priority: priorityRank},
		data:     data,
		attempts: 1,
		deadline: now.Add(t.baseDelay),
	}
}

// Ack clears acknowledged sequence numbers, reporting how many were pending.
func (t *ackTracker) Ack(seqs []uint64) int {
	cleared := 0
	for _, seq := range seqs {
		if _, ok := t.pending[seq]; ok {
			delete(t.pending, seq)
			cleared++
		}
	}
	return cleared
}

// retransmission is a frame due for resend.
type retransmission struct {
	Seq     uint64
	Type    string
	Attempt int
	Data    []byte
}

// Due collects frames whose retransmit deadline has passed, doubling the
// backoff per attempt. Frames past the attempt budget are returned separately
// as abandoned and removed from the map.
func (t *ackTracker) Due(now time.Time) (resend []retransmission, abandoned []RetransmitError) {
	for seq, msg := range t.pending {
		if now.Before(msg.deadline) {
			continue
		}
		if msg.attempts >= t.maxAttempts {
			abandoned = append(abandoned, RetransmitError{Seq: seq, Attempts: msg.attempts})
			delete(t.pending, seq)
			continue
		}
		msg.attempts++
		msg.deadline = now.Add(t.baseDelay << uint(msg.attempts-1))
		resend = append(resend, retransmission{
			Seq:     seq,
			Type:    msg.env.Type,
			Attempt: msg.attempts,
			Data:    msg.data,
		})
	}
	return resend, abandoned
}

// Pending reports the number of unacknowledged reliable frames.
func (t *ackTracker) Pending() int {
	return len(t.pending)
}

// Reset drops every in-flight frame, rendering pending retransmissions inert.
func (t *ackTracker) Reset() {
	t.pending = make(map[uint64]*pendingMessage)
}
