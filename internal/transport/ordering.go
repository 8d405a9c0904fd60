package transport

import (
	"fmt"
	"sort"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

// MessageGapError reports an ordered-delivery gap abandoned after the gap
// timeout. Delivery resumes at the sequence following the gap.
type MessageGapError struct {
	Sender string
	From   uint64
	To     uint64
}

func (e *MessageGapError) Error() string {
	return fmt.Sprintf("ordered delivery gap from %s: seq %d-%d skipped", e.Sender, e.From, e.To)
}

const dedupWindow = 512

// orderingBuffer reassembles reliable-ordered streams per sender. Ordered
// frames carry a dedicated orderSeq counter starting at 1 so gaps can be told
// apart from interleaved unreliable traffic.
type orderingBuffer struct {
	next     map[string]uint64
	pending  map[string]map[uint64]proto.Envelope
	gapSince map[string]time.Time
	seen     map[string]map[uint64]struct{}
	seenLog  map[string][]uint64
	timeout  time.Duration
}

func newOrderingBuffer(timeout time.Duration) *orderingBuffer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &orderingBuffer{
		next:     make(map[string]uint64),
		pending:  make(map[string]map[uint64]proto.Envelope),
		gapSince: make(map[string]time.Time),
		seen:     make(map[string]map[uint64]struct{}),
		seenLog:  make(map[string][]uint64),
		timeout:  timeout,
	}
}

// Duplicate records the (sender, seq) identity of a reliable frame and
// reports whether it was already delivered. Retransmissions of frames we have
// acked arrive here; they must be re-acked but not re-delivered.
func (b *orderingBuffer) Duplicate(sender string, seq uint64) bool {
	window, ok := b.seen[sender]
	if !ok {
		window = make(map[uint64]struct{})
		b.seen[sender] = window
	}
	if _, dup := window[seq]; dup {
		return true
	}
	window[seq] = struct{}{}
	log := append(b.seenLog[sender], seq)
	if len(log) > dedupWindow {
		delete(window, log[0])
		log = log[1:]
	}
	b.seenLog[sender] = log
	return false
}

// Submit stages an ordered frame and returns every frame now deliverable in
// sequence order. Frames at or below the delivery cursor are dropped as
// duplicates.
func (b *orderingBuffer) Submit(env proto.Envelope, now time.Time) []proto.Envelope {
	seq := env.OrderSeq
	if seq == 0 {
		return nil
	}
	sender := env.Sender
	expected, ok := b.next[sender]
	if !ok {
		expected = 1
		b.next[sender] = expected
	}
	if seq < expected {
		return nil
	}
	if seq == expected {
		delivered := []proto.Envelope{env}
		b.next[sender] = seq + 1
		delivered = append(delivered, b.drainPendingLocked(sender)...)
		if len(b.pending[sender]) == 0 {
			delete(b.gapSince, sender)
		}
		return delivered
	}

	// Out of order: buffer until the gap closes or times out.
	buffered, ok := b.pending[sender]
	if !ok {
		buffered = make(map[uint64]proto.Envelope)
		b.pending[sender] = buffered
	}
	if _, exists := buffered[seq]; !exists {
		buffered[seq] = env
	}
	if _, waiting := b.gapSince[sender]; !waiting {
		b.gapSince[sender] = now
	}
	return nil
}

// Flush fires gap timeouts: for each sender stalled past the timeout the gap
// is skipped, the skip is reported, and buffered frames after the gap are
// released in order.
func (b *orderingBuffer) Flush(now time.Time) ([]proto.Envelope, []MessageGapError) {
	var delivered []proto.Envelope
	var gaps []MessageGapError
	for sender, since := range b.gapSince {
		if now.Sub(since) < b.timeout {
			continue
		}
		buffered := b.pending[sender]
		if len(buffered) == 0 {
			delete(b.gapSince, sender)
			continue
		}
		lowest := uint64(0)
		for seq := range buffered {
			if lowest == 0 || seq < lowest {
				lowest = seq
			}
		}
		expected := b.next[sender]
		gaps = append(gaps, MessageGapError{Sender: sender, From: expected, To: lowest - 1})
		b.next[sender] = lowest
		delivered = append(delivered, b.drainPendingLocked(sender)...)
		if len(b.pending[sender]) == 0 {
			delete(b.gapSince, sender)
		} else {
			b.gapSince[sender] = now
		}
	}
	return delivered, gaps
}

// PendingSenders reports senders currently waiting on a gap, sorted for
// deterministic diagnostics.
func (b *orderingBuffer) PendingSenders() []string {
	senders := make([]string, 0, len(b.gapSince))
	for sender := range b.gapSince {
		senders = append(senders, sender)
	}
	sort.Strings(senders)
	return senders
}

// Reset clears every stream cursor and buffered frame.
func (b *orderingBuffer) Reset() {
	b.next = make(map[string]uint64)
	b.pending = make(map[string]map[uint64]proto.Envelope)
	b.gapSince = make(map[string]time.Time)
	b.seen = make(map[string]map[uint64]struct{})
	b.seenLog = make(map[string][]uint64)
}

func (b *orderingBuffer) drainPendingLocked(sender string) []proto.Envelope {
	buffered := b.pending[sender]
	if len(buffered) == 0 {
		return nil
	}
	var delivered []proto.Envelope
	for {
		next := b.next[sender]
		env, ok := buffered[next]
		if !ok {
			break
		}
		delete(buffered, next)
		delivered = append(delivered, env)
		b.next[sender] = next + 1
	}
	if len(buffered) == 0 {
		delete(b.pending, sender)
	}
	return delivered
}
