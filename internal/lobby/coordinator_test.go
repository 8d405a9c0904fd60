package lobby

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

type captureSender struct {
	mu   sync.Mutex
	envs []proto.Envelope
}

func (s *captureSender) Send(env proto.Envelope) error {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return nil
}

func (s *captureSender) byType(msgType string) []proto.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Envelope
	for _, env := range s.envs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type hookRecorder struct {
	inLobby int
	inMatch int
	left    int
}

func (h *hookRecorder) MarkInLobby()   { h.inLobby++ }
func (h *hookRecorder) MarkInMatch()   { h.inMatch++ }
func (h *hookRecorder) MarkLobbyLeft() { h.left++ }

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *captureSender, *hookRecorder) {
	t.Helper()
	sender := &captureSender{}
	hooks := &hookRecorder{}
	coord := NewCoordinator(cfg, sender, hooks)
	coord.SetLocalPlayer("p1")
	return coord, sender, hooks
}

func roster(lobbyID, hostID string, ready bool, players ...string) proto.LobbyInfo {
	info := proto.LobbyInfo{
		ID:         lobbyID,
		HostID:     hostID,
		Phase:      proto.LobbyPhaseWaiting,
		MinPlayers: 2,
		MaxPlayers: 4,
	}
	for _, id := range players {
		info.Members = append(info.Members, proto.LobbyMember{PlayerID: id, Ready: ready})
	}
	return info
}

func lobbyUpdate(t *testing.T, info proto.LobbyInfo) proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(proto.TypeLobbyUpdate, "server", proto.LobbyUpdate{Lobby: info})
	if err != nil {
		t.Fatalf("build lobby_update: %v", err)
	}
	return env
}

func TestLobbyUpdateAdoptsMembership(t *testing.T) {
	coord, sender, hooks := newTestCoordinator(t, Config{})

	if err := coord.CreateLobby(Settings{GameMode: "deathmatch"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := sender.byType(proto.TypeLobbyCreate); len(got) != 1 {
		t.Fatalf("expected one lobby_create, got %d", len(got))
	}

	coord.HandleMessage(lobbyUpdate(t, roster("l1", "p1", false, "p1")))
	info, ok := coord.Lobby()
	if !ok || info.ID != "l1" {
		t.Fatalf("expected lobby mirror for l1, got %+v ok=%v", info, ok)
	}
	if hooks.inLobby != 1 {
		t.Fatalf("expected one in-lobby transition, got %d", hooks.inLobby)
	}

	if err := coord.CreateLobby(Settings{}); !errors.Is(err, ErrAlreadyInLobby) {
		t.Fatalf("expected ErrAlreadyInLobby, got %v", err)
	}

	// The server dropping us from the roster clears the mirror.
	coord.HandleMessage(lobbyUpdate(t, roster("l1", "p2", false, "p2")))
	if _, ok := coord.Lobby(); ok {
		t.Fatalf("mirror must clear when membership is revoked")
	}
	if hooks.left != 1 {
		t.Fatalf("expected one lobby-left transition, got %d", hooks.left)
	}
}

func TestJoinValidatesKnownLobbies(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, Config{})

	full := roster("full", "p2", false, "p2", "p3", "p4", "p5")
	coord.HandleMessage(lobbyUpdate(t, full))
	if err := coord.JoinLobby("full", ""); !errors.Is(err, ErrLobbyFull) {
		t.Fatalf("expected ErrLobbyFull, got %v", err)
	}

	locked := roster("locked", "p2", false, "p2")
	locked.HasPass = true
	coord.HandleMessage(lobbyUpdate(t, locked))
	if err := coord.JoinLobby("locked", ""); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if err := coord.JoinLobby("locked", "hunter2"); err != nil {
		t.Fatalf("join with password: %v", err)
	}
}

func TestStartMatchRequiresHostAndReadiness(t *testing.T) {
	coord, sender, _ := newTestCoordinator(t, Config{})

	coord.HandleMessage(lobbyUpdate(t, roster("l1", "p2", true, "p1", "p2")))
	if err := coord.StartMatch(); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	coord.Reset()

	coord.HandleMessage(lobbyUpdate(t, roster("l2", "p1", false, "p1", "p2")))
	if err := coord.StartMatch(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if got := sender.byType(proto.TypeMatchStart); len(got) != 0 {
		t.Fatalf("no match_start may be sent yet, got %d", len(got))
	}
}

func TestHostAutoStartsWhenEveryoneReady(t *testing.T) {
	coord, sender, hooks := newTestCoordinator(t, Config{})

	coord.HandleMessage(lobbyUpdate(t, roster("l1", "p1", true, "p1", "p2")))
	if got := sender.byType(proto.TypeMatchStart); len(got) != 1 {
		t.Fatalf("expected auto-start to send one match_start, got %d", len(got))
	}

	// A manual start while the request is in flight stays a no-op.
	if err := coord.StartMatch(); err != nil {
		t.Fatalf("start while starting: %v", err)
	}
	if got := sender.byType(proto.TypeMatchStart); len(got) != 1 {
		t.Fatalf("duplicate match_start sent")
	}

	start, err := proto.NewEnvelope(proto.TypeMatchStart, "server", proto.MatchStart{LobbyID: "l1", StartTick: 1})
	if err != nil {
		t.Fatalf("build match_start: %v", err)
	}
	coord.HandleMessage(start)
	info, ok := coord.Lobby()
	if !ok || info.Phase != proto.LobbyPhaseInProgress {
		t.Fatalf("expected in-progress phase, got %+v ok=%v", info, ok)
	}
	if hooks.inMatch != 1 {
		t.Fatalf("expected one in-match transition, got %d", hooks.inMatch)
	}
}

func TestMatchmakingTicketLifecycle(t *testing.T) {
	coord, sender, hooks := newTestCoordinator(t, Config{})

	ticket, err := coord.EnqueueMatchmaking(Criteria{GameMode: "ranked", SkillRating: 1500, SkillRange: 200})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ticket.Status != proto.TicketQueued {
		t.Fatalf("ticket status %q", ticket.Status)
	}
	if _, err := coord.EnqueueMatchmaking(Criteria{GameMode: "ranked"}); !errors.Is(err, ErrTicketPending) {
		t.Fatalf("expected ErrTicketPending, got %v", err)
	}

	if err := coord.CancelMatchmaking(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := sender.byType(proto.TypeMatchmakingCancel); len(got) != 1 {
		t.Fatalf("expected one matchmaking_cancel, got %d", len(got))
	}

	// A match_found for the canceled ticket is stale and must be ignored.
	stale, err := proto.NewEnvelope(proto.TypeMatchFound, "server", proto.MatchFound{
		TicketID: ticket.ID,
		Lobby:    roster("m1", "p1", false, "p1", "p2"),
	})
	if err != nil {
		t.Fatalf("build match_found: %v", err)
	}
	coord.HandleMessage(stale)
	if _, ok := coord.Lobby(); ok {
		t.Fatalf("canceled ticket must not join a lobby")
	}

	fresh, err := coord.EnqueueMatchmaking(Criteria{GameMode: "ranked", SkillRating: 1500})
	if err != nil {
		t.Fatalf("re-enqueue after cancel: %v", err)
	}
	found, err := proto.NewEnvelope(proto.TypeMatchFound, "server", proto.MatchFound{
		TicketID: fresh.ID,
		Lobby:    roster("m2", "p2", false, "p1", "p2"),
	})
	if err != nil {
		t.Fatalf("build match_found: %v", err)
	}
	coord.HandleMessage(found)

	info, ok := coord.Lobby()
	if !ok || info.ID != "m2" {
		t.Fatalf("expected lobby m2 after match, got %+v ok=%v", info, ok)
	}
	if _, ok := coord.CurrentTicket(); ok {
		t.Fatalf("ticket must resolve atomically with the lobby")
	}
	if hooks.inLobby == 0 {
		t.Fatalf("match_found must transition the session into the lobby")
	}
}

func TestEnqueueWhileInLobbyRejected(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, Config{})
	coord.HandleMessage(lobbyUpdate(t, roster("l1", "p1", false, "p1")))
	if _, err := coord.EnqueueMatchmaking(Criteria{GameMode: "ranked"}); !errors.Is(err, ErrAlreadyInLobby) {
		t.Fatalf("expected ErrAlreadyInLobby, got %v", err)
	}
}

func TestStaleTicketCanceledByTimeout(t *testing.T) {
	clock := &stubClock{now: time.Unix(1000, 0)}
	coord, sender, _ := newTestCoordinator(t, Config{
		TicketTimeout: time.Minute,
		Clock:         clock,
	})

	if _, err := coord.EnqueueMatchmaking(Criteria{GameMode: "ranked"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	coord.CheckTimeouts(clock.now.Add(30 * time.Second))
	if ticket, ok := coord.CurrentTicket(); !ok || ticket.Status != proto.TicketQueued {
		t.Fatalf("ticket must survive below the threshold, got %+v ok=%v", ticket, ok)
	}

	coord.CheckTimeouts(clock.now.Add(61 * time.Second))
	ticket, ok := coord.CurrentTicket()
	if !ok || ticket.Status != proto.TicketCanceled {
		t.Fatalf("expected canceled ticket, got %+v ok=%v", ticket, ok)
	}
	if got := sender.byType(proto.TypeMatchmakingCancel); len(got) != 1 {
		t.Fatalf("expected one matchmaking_cancel, got %d", len(got))
	}
}

func TestResetClearsMirrorAndTicket(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, Config{})
	coord.HandleMessage(lobbyUpdate(t, roster("l1", "p1", false, "p1")))
	coord.Reset()
	if _, ok := coord.Lobby(); ok {
		t.Fatalf("lobby mirror must clear on reset")
	}
	if _, ok := coord.CurrentTicket(); ok {
		t.Fatalf("ticket must clear on reset")
	}
	// Forgotten lobbies no longer validate joins locally.
	if err := coord.JoinLobby("l1", ""); err != nil {
		t.Fatalf("join after reset: %v", err)
	}
}
