package transport

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	copied := make([]byte, len(data))
	copy(copied, data)
	s.frames = append(s.frames, copied)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.incoming:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) written(t *testing.T) []proto.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.Envelope, 0, len(s.frames))
	for _, data := range s.frames {
		env, err := proto.Decode(data)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (s *fakeSocket) inject(t *testing.T, env proto.Envelope) {
	t.Helper()
	data, err := proto.Encode(env)
	if err != nil {
		t.Fatalf("encode inbound frame: %v", err)
	}
	s.incoming <- data
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, *fakeSocket, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	if cfg.LocalID == "" {
		cfg.LocalID = "local"
	}
	tr := New(cfg)
	sock := newFakeSocket()
	tr.Attach(sock)
	t.Cleanup(tr.Close)
	return tr, sock, clk
}

func recvEnvelope(t *testing.T, tr *Transport) proto.Envelope {
	t.Helper()
	select {
	case env := <-tr.Inbound():
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound envelope")
	}
	return proto.Envelope{}
}

func recvError(t *testing.T, tr *Transport) error {
	t.Helper()
	select {
	case err := <-tr.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transport error")
	}
	return nil
}

func mustEnvelope(t *testing.T, msgType, sender string, payload any) proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(msgType, sender, payload)
	if err != nil {
		t.Fatalf("build %s envelope: %v", msgType, err)
	}
	return env
}

func orderedChat(t *testing.T, seq, orderSeq uint64, text string) proto.Envelope {
	t.Helper()
	env := mustEnvelope(t, proto.TypeChat, "server", proto.Chat{From: "server", Text: text})
	env.Seq = seq
	env.OrderSeq = orderSeq
	return env
}

func TestFlushDrainsByPriority(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{})

	// Staged lowest priority first; the flush must reorder.
	if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: "hello"})); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	if err := tr.Send(mustEnvelope(t, proto.TypeInput, "", proto.InputFrame{Tick: 1})); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if err := tr.Send(mustEnvelope(t, proto.TypePing, "", proto.Ping{SentAt: 1})); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	tr.Flush(clk.Now())

	written := sock.written(t)
	if len(written) != 3 {
		t.Fatalf("expected 3 frames written, got %d", len(written))
	}
	want := []string{proto.TypePing, proto.TypeInput, proto.TypeChat}
	for i, env := range written {
		if env.Type != want[i] {
			t.Fatalf("frame %d: expected %s, got %s", i, want[i], env.Type)
		}
	}
}

func TestFlushDefersWhenBudgetExhausted(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{
		BandwidthBudget: 600,
		BurstBudget:     600,
	})

	text := strings.Repeat("a", 250)
	for i := 0; i < 2; i++ {
		if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: text})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	tr.Flush(clk.Now())
	if got := len(sock.written(t)); got != 1 {
		t.Fatalf("expected 1 frame inside budget, got %d", got)
	}

	clk.Advance(time.Second)
	tr.Flush(clk.Now())
	if got := len(sock.written(t)); got != 2 {
		t.Fatalf("expected deferred frame after credit accrual, got %d", got)
	}
}

func TestUnreliableShedUnderBackpressure(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{QueueCapacity: 1})

	if err := tr.Send(mustEnvelope(t, proto.TypeInput, "", proto.InputFrame{Tick: 1})); err != nil {
		t.Fatalf("send input: %v", err)
	}
	// Saturated queue: a second unreliable frame is shed silently.
	if err := tr.Send(mustEnvelope(t, proto.TypePing, "", proto.Ping{SentAt: 1})); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	// A reliable frame evicts queued unreliable traffic instead.
	if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: "keep"})); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	tr.Flush(clk.Now())

	written := sock.written(t)
	if len(written) != 1 {
		t.Fatalf("expected only the reliable frame, got %d frames", len(written))
	}
	if written[0].Type != proto.TypeChat {
		t.Fatalf("expected chat frame to survive, got %s", written[0].Type)
	}
}

func TestRetransmitBacksOffThenGivesUp(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{
		RetransmitBase: 100 * time.Millisecond,
		MaxRetransmits: 2,
	})

	if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: "important"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.Flush(clk.Now())
	if tr.PendingReliable() != 1 {
		t.Fatalf("expected 1 pending reliable frame, got %d", tr.PendingReliable())
	}

	clk.Advance(150 * time.Millisecond)
	tr.Flush(clk.Now())
	if got := len(sock.written(t)); got != 2 {
		t.Fatalf("expected a retransmission, got %d frames", got)
	}

	clk.Advance(300 * time.Millisecond)
	tr.Flush(clk.Now())
	err := recvError(t, tr)
	var rerr *RetransmitError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RetransmitError, got %v", err)
	}
	if tr.PendingReliable() != 0 {
		t.Fatalf("abandoned frame should leave the ack map, got %d pending", tr.PendingReliable())
	}
}

func TestAckClearsPendingReliable(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{})

	if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: "hi"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.Flush(clk.Now())
	written := sock.written(t)
	if len(written) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(written))
	}

	ack := mustEnvelope(t, proto.TypeAck, "server", proto.Ack{Seqs: []uint64{written[0].Seq}})
	ack.Seq = 1
	sock.inject(t, ack)

	deadline := time.Now().Add(2 * time.Second)
	for tr.PendingReliable() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ack never cleared the pending frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrderedDeliveryHoldsBackGap(t *testing.T) {
	tr, sock, _ := newTestTransport(t, Config{})

	sock.inject(t, orderedChat(t, 10, 1, "first"))
	env := recvEnvelope(t, tr)
	if env.OrderSeq != 1 {
		t.Fatalf("expected orderSeq 1, got %d", env.OrderSeq)
	}

	// seq 3 arrives before seq 2 and must be held back.
	sock.inject(t, orderedChat(t, 12, 3, "third"))
	select {
	case env := <-tr.Inbound():
		t.Fatalf("out-of-order frame delivered early: orderSeq=%d", env.OrderSeq)
	case <-time.After(100 * time.Millisecond):
	}

	sock.inject(t, orderedChat(t, 11, 2, "second"))
	if env := recvEnvelope(t, tr); env.OrderSeq != 2 {
		t.Fatalf("expected orderSeq 2, got %d", env.OrderSeq)
	}
	if env := recvEnvelope(t, tr); env.OrderSeq != 3 {
		t.Fatalf("expected orderSeq 3, got %d", env.OrderSeq)
	}
}

func TestGapSkippedAfterTimeout(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{GapTimeout: time.Second})

	sock.inject(t, orderedChat(t, 10, 1, "first"))
	recvEnvelope(t, tr)

	sock.inject(t, orderedChat(t, 12, 3, "third"))
	time.Sleep(50 * time.Millisecond)

	tr.Flush(clk.Now())
	select {
	case env := <-tr.Inbound():
		t.Fatalf("frame released before the gap timeout: orderSeq=%d", env.OrderSeq)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(1500 * time.Millisecond)
	tr.Flush(clk.Now())

	if env := recvEnvelope(t, tr); env.OrderSeq != 3 {
		t.Fatalf("expected orderSeq 3 after gap skip, got %d", env.OrderSeq)
	}
	err := recvError(t, tr)
	var gap *MessageGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected MessageGapError, got %v", err)
	}
	if gap.From != 2 || gap.To != 2 {
		t.Fatalf("expected gap 2-2, got %d-%d", gap.From, gap.To)
	}
}

func TestDuplicateReliableFrameDroppedOnce(t *testing.T) {
	tr, sock, _ := newTestTransport(t, Config{})

	frame := orderedChat(t, 10, 1, "once")
	sock.inject(t, frame)
	recvEnvelope(t, tr)
	sock.inject(t, frame)
	sock.inject(t, orderedChat(t, 11, 2, "twice"))

	if env := recvEnvelope(t, tr); env.OrderSeq != 2 {
		t.Fatalf("expected the duplicate to be suppressed, got orderSeq %d", env.OrderSeq)
	}
}

func TestAttachRestartsInboundCursors(t *testing.T) {
	tr, sock, clk := newTestTransport(t, Config{
		RetransmitBase: 50 * time.Millisecond,
		MaxRetransmits: 4,
	})

	if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: "pending"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.Flush(clk.Now())

	sock.inject(t, orderedChat(t, 1, 1, "first connection"))
	if env := recvEnvelope(t, tr); env.OrderSeq != 1 {
		t.Fatalf("expected orderSeq 1, got %d", env.OrderSeq)
	}

	// A replacement socket models a fresh server connection whose counters
	// restart at 1. Its first frames carry the same seq and orderSeq as the
	// old connection's and must not be swallowed as replays.
	replacement := newFakeSocket()
	tr.Attach(replacement)
	replacement.inject(t, orderedChat(t, 1, 1, "second connection"))
	env := recvEnvelope(t, tr)
	if env.Seq != 1 || env.OrderSeq != 1 {
		t.Fatalf("expected the fresh connection's first frame, got seq=%d orderSeq=%d", env.Seq, env.OrderSeq)
	}

	// Unacked reliable traffic survives the swap and retransmits here.
	if tr.PendingReliable() != 1 {
		t.Fatalf("expected the in-flight frame to survive reattach, got %d pending", tr.PendingReliable())
	}
	clk.Advance(100 * time.Millisecond)
	tr.Flush(clk.Now())
	written := replacement.written(t)
	if len(written) == 0 || written[len(written)-1].Type != proto.TypeChat {
		t.Fatalf("expected the pending chat retransmitted on the new socket, got %+v", written)
	}
}

func TestResetRendersRetransmissionsInert(t *testing.T) {
	tr, _, clk := newTestTransport(t, Config{
		RetransmitBase: 50 * time.Millisecond,
		MaxRetransmits: 2,
	})

	if err := tr.Send(mustEnvelope(t, proto.TypeChat, "", proto.Chat{Text: "gone"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.Flush(clk.Now())
	tr.Reset()

	clk.Advance(time.Second)
	tr.Flush(clk.Now())
	select {
	case err := <-tr.Errors():
		t.Fatalf("reset transport still surfaced %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if tr.PendingReliable() != 0 {
		t.Fatalf("expected empty ack map after reset")
	}
}
