// Package transport owns outbound prioritization, the reliable
// acknowledgment map, and per-sender ordered delivery. Inbound frames arrive
// from the socket read pump; delivery to the application happens through the
// Inbound channel, which the tick loop drains. All gameplay-affecting
// mutation stays on the tick boundary.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
	lognet "github.com/ahump20/Sandlot-Sluggers-sub000/logging/network"
)

const (
	metricUnreliableShed    = "transport_unreliable_shed_total"
	metricDeferred          = "transport_deferred_total"
	metricRetransmits       = "transport_retransmit_total"
	metricGapSkips          = "transport_gap_skip_total"
	metricInboundDropped    = "transport_inbound_dropped_total"
	metricOutboundOccupancy = "transport_outbound_occupancy"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// ErrNotAttached is returned when no socket is attached.
var ErrNotAttached = errors.New("transport has no socket")

// Socket is the byte-frame connection the transport drives. Implementations
// must allow one concurrent reader and serialized writers.
type Socket interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Config tunes queueing, reliability, and pacing.
type Config struct {
	LocalID         string
	BandwidthBudget int           // outbound bytes per second
	BurstBudget     int           // accumulated credit cap in bytes
	QueueCapacity   int           // outbound items before unreliable shedding
	InboundCapacity int           // inbound channel depth
	RetransmitBase  time.Duration // first retry delay, doubled per attempt
	MaxRetransmits  int           // attempts before the message is abandoned
	GapTimeout      time.Duration // ordered-delivery gap skip threshold

	Clock     logging.Clock
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
}

func (c Config) normalized() Config {
	out := c
	if out.BandwidthBudget <= 0 {
		out.BandwidthBudget = 64 * 1024
	}
	if out.BurstBudget <= 0 {
		out.BurstBudget = out.BandwidthBudget / 4
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 256
	}
	if out.InboundCapacity <= 0 {
		out.InboundCapacity = 256
	}
	if out.RetransmitBase <= 0 {
		out.RetransmitBase = 250 * time.Millisecond
	}
	if out.MaxRetransmits <= 0 {
		out.MaxRetransmits = 10
	}
	if out.GapTimeout <= 0 {
		out.GapTimeout = 3 * time.Second
	}
	if out.Clock == nil {
		out.Clock = logging.SystemClock{}
	}
	if out.Publisher == nil {
		out.Publisher = logging.NopPublisher()
	}
	return out
}

// Transport serializes, sequences, paces, and tracks messages on one socket.
type Transport struct {
	cfg Config

	mu         sync.Mutex
	seq        uint64
	orderSeq   uint64
	queue      sendQueue
	queueOrder uint64
	acks       *ackTracker
	ordering   *orderingBuffer
	budget     float64
	lastFlush  time.Time
	ackOut     []uint64

	socketMu sync.Mutex
	socket   Socket

	inbound chan proto.Envelope
	errs    chan error

	stats  *statsTracker
	closed atomic.Bool
	gen    atomic.Uint64
}

// New constructs a transport; Attach supplies the socket.
func New(cfg Config) *Transport {
	cfg = cfg.normalized()
	return &Transport{
		cfg:      cfg,
		acks:     newAckTracker(cfg.RetransmitBase, cfg.MaxRetransmits),
		ordering: newOrderingBuffer(cfg.GapTimeout),
		inbound:  make(chan proto.Envelope, cfg.InboundCapacity),
		errs:     make(chan error, 16),
		stats:    newStatsTracker(),
	}
}

// Attach installs a socket and starts its read pump. A previously attached
// socket is closed; in-flight reliable messages survive and retransmit on the
// new socket. Inbound dedup and ordering cursors are per-connection state:
// a fresh server connection restarts its counters at 1, so stale cursors
// would swallow its first frames.
func (t *Transport) Attach(socket Socket) {
	if t == nil || socket == nil {
		return
	}
	gen := t.gen.Add(1)
	t.mu.Lock()
	t.ordering.Reset()
	t.ackOut = nil
	t.mu.Unlock()
	t.socketMu.Lock()
	old := t.socket
	t.socket = socket
	t.socketMu.Unlock()
	if old != nil {
		old.Close()
	}
	go t.readPump(socket, gen)
}

// Detach closes the current socket without closing the transport.
func (t *Transport) Detach() {
	if t == nil {
		return
	}
	t.gen.Add(1)
	t.socketMu.Lock()
	old := t.socket
	t.socket = nil
	t.socketMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Send stamps sequence and timestamp, then stages the envelope on the
// priority queue. Under backpressure unreliable messages may be shed; a
// reliable message is always kept, deferring lower-priority traffic instead.
func (t *Transport) Send(env proto.Envelope) error {
	if t == nil || t.closed.Load() {
		return ErrClosed
	}
	now := t.cfg.Clock.Now()

	t.mu.Lock()
	t.seq++
	env.Ver = proto.Version
	env.Seq = t.seq
	if env.Sender == "" {
		env.Sender = t.cfg.LocalID
	}
	env.Timestamp = now.UnixMilli()
	if env.Reliable && env.Ordered {
		t.orderSeq++
		env.OrderSeq = t.orderSeq
	}
	data, err := proto.Encode(env)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.queue.Len() >= t.cfg.QueueCapacity {
		if !env.Reliable {
			t.mu.Unlock()
			t.noteShed(env, len(data))
			return nil
		}
		if victim := t.queue.shedUnreliable(); victim != nil {
			t.noteShed(victim.env, len(victim.data))
		} else if t.cfg.Metrics != nil {
			t.cfg.Metrics.Add(metricDeferred, 1)
		}
	}
	t.queueOrder++
	t.queue.push(&outboundItem{env: env, data: data, order: t.queueOrder})
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.Store(metricOutboundOccupancy, uint64(t.queue.Len()))
	}
	t.mu.Unlock()
	return nil
}

// Flush drains the queue by priority within the accrued bandwidth budget,
// emits pending inbound acks, retransmits due reliable frames, and fires gap
// timeouts. The tick loop calls it once per tick.
func (t *Transport) Flush(now time.Time) {
	if t == nil || t.closed.Load() {
		return
	}
	t.flushAcks()
	t.retransmitDue(now)
	t.drainQueue(now)
	t.flushGaps(now)
}

// Inbound is the channel the tick loop drains for application-visible
// messages, already reordered for reliable-ordered streams.
func (t *Transport) Inbound() <-chan proto.Envelope {
	if t == nil {
		return nil
	}
	return t.inbound
}

// Errors surfaces recoverable and terminal transport faults: gap skips and
// retransmit exhaustion.
func (t *Transport) Errors() <-chan error {
	if t == nil {
		return nil
	}
	return t.errs
}

// RecordRTT feeds a round-trip sample measured by the session heartbeat.
func (t *Transport) RecordRTT(rtt time.Duration) {
	if t == nil {
		return
	}
	t.stats.RecordRTT(rtt)
}

// Stats copies out the current link-quality estimates.
func (t *Transport) Stats() NetworkStats {
	if t == nil {
		return NetworkStats{}
	}
	return t.stats.Snapshot()
}

// PendingReliable reports unacknowledged reliable frames, for diagnostics.
func (t *Transport) PendingReliable() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acks.Pending()
}

// Reset clears queues, the ack map, and ordering cursors so a fresh session
// starts clean. Pending retransmissions become inert.
func (t *Transport) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
	t.ackOut = nil
	t.acks.Reset()
	t.ordering.Reset()
	t.budget = 0
	t.lastFlush = time.Time{}
}

// Close shuts the transport down idempotently.
func (t *Transport) Close() {
	if t == nil || t.closed.Swap(true) {
		return
	}
	t.Detach()
	close(t.inbound)
}

func (t *Transport) readPump(socket Socket, gen uint64) {
	for {
		payload, err := socket.ReadMessage()
		if err != nil {
			if t.gen.Load() == gen && !t.closed.Load() {
				t.pushError(err)
			}
			return
		}
		if t.gen.Load() != gen || t.closed.Load() {
			return
		}
		t.handleFrame(payload)
	}
}

func (t *Transport) handleFrame(payload []byte) {
	env, err := proto.Decode(payload)
	if err != nil {
		if t.cfg.Logger != nil {
			t.cfg.Logger.Printf("discarding malformed frame: %v", err)
		}
		return
	}
	t.stats.RecordReceived()

	if env.Type == proto.TypeAck {
		ack, err := proto.DecodePayload[proto.Ack](env)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.acks.Ack(ack.Seqs)
		t.mu.Unlock()
		return
	}

	now := t.cfg.Clock.Now()
	var deliverable []proto.Envelope

	t.mu.Lock()
	if env.Reliable {
		t.ackOut = append(t.ackOut, env.Seq)
		if t.ordering.Duplicate(env.Sender, env.Seq) {
			t.mu.Unlock()
			return
		}
	}
	if env.Reliable && env.Ordered {
		deliverable = t.ordering.Submit(env, now)
	} else {
		deliverable = []proto.Envelope{env}
	}
	t.mu.Unlock()

	for _, msg := range deliverable {
		t.deliver(msg)
	}
}

func (t *Transport) deliver(env proto.Envelope) {
	select {
	case t.inbound <- env:
	default:
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.Add(metricInboundDropped, 1)
		}
		if env.Reliable {
			// Blocking here would stall the read pump; a full inbound queue
			// with reliable traffic means the tick loop has fallen far
			// behind, which the session treats as a fault.
			t.pushError(errors.New("inbound queue overflow"))
		}
	}
}

func (t *Transport) flushAcks() {
	t.mu.Lock()
	seqs := t.ackOut
	t.ackOut = nil
	t.mu.Unlock()
	if len(seqs) == 0 {
		return
	}
	env, err := proto.NewEnvelope(proto.TypeAck, t.cfg.LocalID, proto.Ack{Seqs: seqs})
	if err != nil {
		return
	}
	now := t.cfg.Clock.Now()
	t.mu.Lock()
	t.seq++
	env.Seq = t.seq
	env.Timestamp = now.UnixMilli()
	data, err := proto.Encode(env)
	t.mu.Unlock()
	if err != nil {
		return
	}
	if t.writeFrame(data) == nil {
		t.stats.RecordSent(len(data), false, now)
	}
}

func (t *Transport) retransmitDue(now time.Time) {
	t.mu.Lock()
	resend, abandoned := t.acks.Due(now)
	t.mu.Unlock()

	for _, msg := range resend {
		if err := t.writeFrame(msg.Data); err != nil {
			continue
		}
		t.stats.RecordRetransmit(len(msg.Data), now)
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.Add(metricRetransmits, 1)
		}
		lognet.Retransmit(context.Background(), t.cfg.Publisher, 0, lognet.RetransmitPayload{
			Seq:     msg.Seq,
			Attempt: msg.Attempt,
		})
	}
	for _, fail := range abandoned {
		fail := fail
		lognet.RetransmitGiveUp(context.Background(), t.cfg.Publisher, 0, lognet.RetransmitPayload{
			Seq:     fail.Seq,
			Attempt: fail.Attempts,
		})
		t.pushError(&fail)
	}
}

func (t *Transport) drainQueue(now time.Time) {
	t.mu.Lock()
	if t.lastFlush.IsZero() {
		t.budget = float64(t.cfg.BurstBudget)
	} else {
		t.budget += now.Sub(t.lastFlush).Seconds() * float64(t.cfg.BandwidthBudget)
		if t.budget > float64(t.cfg.BurstBudget) {
			t.budget = float64(t.cfg.BurstBudget)
		}
	}
	t.lastFlush = now

	var ready []*outboundItem
	for {
		item := t.queue.peek()
		if item == nil {
			break
		}
		cost := float64(len(item.data))
		if cost > t.budget && len(ready) > 0 {
			break
		}
		if cost > t.budget && t.budget < float64(t.cfg.BurstBudget) {
			// Not enough credit yet; defer to a later flush rather than drop.
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.Add(metricDeferred, 1)
			}
			break
		}
		t.queue.pop()
		t.budget -= cost
		ready = append(ready, item)
		if item.env.Reliable {
			t.acks.Track(item.env.Seq, item.env.Type, item.env.Priority.Rank(), item.data, now)
		}
	}
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.Store(metricOutboundOccupancy, uint64(t.queue.Len()))
	}
	t.mu.Unlock()

	for _, item := range ready {
		if err := t.writeFrame(item.data); err != nil {
			continue
		}
		t.stats.RecordSent(len(item.data), item.env.Reliable, now)
	}
}

func (t *Transport) flushGaps(now time.Time) {
	t.mu.Lock()
	delivered, gaps := t.ordering.Flush(now)
	t.mu.Unlock()

	for _, env := range delivered {
		t.deliver(env)
	}
	for _, gap := range gaps {
		gap := gap
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.Add(metricGapSkips, 1)
		}
		lognet.GapSkipped(context.Background(), t.cfg.Publisher, 0, lognet.GapPayload{
			Sender: gap.Sender,
			From:   gap.From,
			To:     gap.To,
		})
		t.pushError(&gap)
	}
}

func (t *Transport) writeFrame(data []byte) error {
	t.socketMu.Lock()
	socket := t.socket
	t.socketMu.Unlock()
	if socket == nil {
		return ErrNotAttached
	}
	return socket.WriteMessage(data)
}

func (t *Transport) noteShed(env proto.Envelope, bytes int) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.Add(metricUnreliableShed, 1)
	}
	lognet.BackpressureDrop(context.Background(), t.cfg.Publisher, 0, lognet.BackpressurePayload{
		Type:  env.Type,
		Bytes: bytes,
	})
}

func (t *Transport) pushError(err error) {
	select {
	case t.errs <- err:
	default:
	}
}
