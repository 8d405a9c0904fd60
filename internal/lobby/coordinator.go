// Package lobby coordinates lobby membership, readiness, and queue-based
// matchmaking from the client's side of the contract. The server remains
// authoritative; the coordinator validates locally against its mirrored state
// and reacts to lobby_update, matchmaking_update, match_found, and
// match_start events.
package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

// Lobby and matchmaking event types.
const (
	EventJoined         logging.EventType = "lobby.joined"
	EventLeft           logging.EventType = "lobby.left"
	EventAutoStart      logging.EventType = "lobby.auto_start"
	EventMatchStarted   logging.EventType = "lobby.match_started"
	EventTicketQueued   logging.EventType = "matchmaking.ticket_queued"
	EventTicketCanceled logging.EventType = "matchmaking.ticket_canceled"
	EventMatchFound     logging.EventType = "matchmaking.match_found"
)

// Criteria bounds an acceptable match for a ticket.
type Criteria struct {
	GameMode    string
	SkillRating float64
	SkillRange  float64
	MaxLatency  time.Duration
}

// Ticket tracks one matchmaking submission. A ticket is in exactly one of
// {queued, matched, canceled} at any time.
type Ticket struct {
	ID          string
	Status      string
	Criteria    Criteria
	SubmittedAt time.Time
}

// Sender stages outbound control messages; the transport satisfies it.
type Sender interface {
	Send(proto.Envelope) error
}

// SessionHooks are the session-state transitions the coordinator drives.
type SessionHooks interface {
	MarkInLobby()
	MarkInMatch()
	MarkLobbyLeft()
}

// Config tunes coordinator behavior.
type Config struct {
	TicketTimeout time.Duration

	Clock     logging.Clock
	Publisher logging.Publisher
}

func (c Config) normalized() Config {
	out := c
	if out.TicketTimeout <= 0 {
		out.TicketTimeout = 120 * time.Second
	}
	if out.Clock == nil {
		out.Clock = logging.SystemClock{}
	}
	if out.Publisher == nil {
		out.Publisher = logging.NopPublisher()
	}
	return out
}

// Coordinator owns the client-side lobby mirror and the matchmaking ticket.
type Coordinator struct {
	cfg     Config
	send    Sender
	session SessionHooks

	mu       sync.Mutex
	selfID   string
	current  *proto.LobbyInfo
	known    map[string]proto.LobbyInfo
	ticket   *Ticket
	starting bool
}

// NewCoordinator wires a coordinator to its sender and session hooks.
func NewCoordinator(cfg Config, send Sender, session SessionHooks) *Coordinator {
	return &Coordinator{
		cfg:     cfg.normalized(),
		send:    send,
		session: session,
		known:   make(map[string]proto.LobbyInfo),
	}
}

// SetLocalPlayer records the authenticated local player id.
func (c *Coordinator) SetLocalPlayer(playerID string) {
	c.mu.Lock()
	c.selfID = playerID
	c.mu.Unlock()
}

// Lobby copies out the current lobby mirror.
func (c *Coordinator) Lobby() (proto.LobbyInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return proto.LobbyInfo{}, false
	}
	return cloneLobby(*c.current), true
}

// CurrentTicket copies out the active ticket.
func (c *Coordinator) CurrentTicket() (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket == nil {
		return Ticket{}, false
	}
	return *c.ticket, true
}

// CreateLobby asks the server to open a lobby hosted by the local player.
func (c *Coordinator) CreateLobby(settings Settings) error {
	settings = settings.normalized()
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrAlreadyInLobby
	}
	selfID := c.selfID
	c.mu.Unlock()

	env, err := proto.NewEnvelope(proto.TypeLobbyCreate, selfID, proto.LobbyCreate{
		MinPlayers: settings.MinPlayers,
		MaxPlayers: settings.MaxPlayers,
		Password:   settings.Password,
		GameMode:   settings.GameMode,
	})
	if err != nil {
		return err
	}
	return c.send.Send(env)
}

// JoinLobby requests membership in an existing lobby. Known-full lobbies and
// missing passwords are rejected locally.
func (c *Coordinator) JoinLobby(lobbyID, password string) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrAlreadyInLobby
	}
	selfID := c.selfID
	info, seen := c.known[lobbyID]
	c.mu.Unlock()

	if seen {
		if len(info.Members) >= info.MaxPlayers {
			return ErrLobbyFull
		}
		if info.HasPass && password == "" {
			return ErrInvalidPassword
		}
	}

	env, err := proto.NewEnvelope(proto.TypeLobbyJoin, selfID, proto.LobbyJoin{
		LobbyID:  lobbyID,
		Password: password,
	})
	if err != nil {
		return err
	}
	return c.send.Send(env)
}

// LeaveLobby withdraws from the current lobby.
func (c *Coordinator) LeaveLobby() error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return ErrNotInLobby
	}
	lobbyID := c.current.ID
	selfID := c.selfID
	c.current = nil
	c.starting = false
	c.mu.Unlock()

	if c.session != nil {
		c.session.MarkLobbyLeft()
	}
	c.publish(EventLeft, logging.SeverityInfo, lobbyID, nil)

	env, err := proto.NewEnvelope(proto.TypeLobbyLeave, selfID, nil)
	if err != nil {
		return err
	}
	return c.send.Send(env)
}

// SetReady toggles local readiness.
func (c *Coordinator) SetReady(ready bool) error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return ErrNotInLobby
	}
	selfID := c.selfID
	c.mu.Unlock()

	env, err := proto.NewEnvelope(proto.TypeLobbyReady, selfID, proto.LobbyReady{Ready: ready})
	if err != nil {
		return err
	}
	return c.send.Send(env)
}

// StartMatch requests the waiting → starting transition. Host only.
func (c *Coordinator) StartMatch() error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return ErrNotInLobby
	}
	if c.current.HostID != c.selfID {
		c.mu.Unlock()
		return ErrNotHost
	}
	if !readyToStart(*c.current) {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	lobbyID := c.current.ID
	selfID := c.selfID
	c.mu.Unlock()

	env, err := proto.NewEnvelope(proto.TypeMatchStart, selfID, proto.MatchStart{LobbyID: lobbyID})
	if err != nil {
		return err
	}
	return c.send.Send(env)
}

// EnqueueMatchmaking submits a ticket. Submission is de-duplicated by ticket
// id; a queued ticket must be canceled before another is submitted.
func (c *Coordinator) EnqueueMatchmaking(criteria Criteria) (Ticket, error) {
	c.mu.Lock()
	if c.ticket != nil && c.ticket.Status == proto.TicketQueued {
		c.mu.Unlock()
		return Ticket{}, ErrTicketPending
	}
	if c.current != nil {
		c.mu.Unlock()
		return Ticket{}, ErrAlreadyInLobby
	}
	ticket := &Ticket{
		ID:          uuid.NewString(),
		Status:      proto.TicketQueued,
		Criteria:    criteria,
		SubmittedAt: c.cfg.Clock.Now(),
	}
	c.ticket = ticket
	selfID := c.selfID
	copied := *ticket
	c.mu.Unlock()

	env, err := proto.NewEnvelope(proto.TypeMatchmakingEnter, selfID, proto.MatchmakingEnter{
		TicketID:    ticket.ID,
		GameMode:    criteria.GameMode,
		SkillRating: criteria.SkillRating,
		SkillRange:  criteria.SkillRange,
		MaxLatency:  criteria.MaxLatency.Milliseconds(),
	})
	if err != nil {
		c.dropTicket(ticket.ID)
		return Ticket{}, err
	}
	if err := c.send.Send(env); err != nil {
		c.dropTicket(ticket.ID)
		return Ticket{}, err
	}
	c.publishTicket(EventTicketQueued, ticket.ID)
	return copied, nil
}

// CancelMatchmaking withdraws the queued ticket. Safe to call from any point;
// a later match_found for the canceled ticket is ignored.
func (c *Coordinator) CancelMatchmaking() error {
	c.mu.Lock()
	if c.ticket == nil || c.ticket.Status != proto.TicketQueued {
		c.mu.Unlock()
		return ErrNoTicket
	}
	c.ticket.Status = proto.TicketCanceled
	ticketID := c.ticket.ID
	selfID := c.selfID
	c.mu.Unlock()

	c.publishTicket(EventTicketCanceled, ticketID)
	env, err := proto.NewEnvelope(proto.TypeMatchmakingCancel, selfID, proto.MatchmakingCancel{TicketID: ticketID})
	if err != nil {
		return err
	}
	return c.send.Send(env)
}

// HandleMessage consumes lobby-plane messages from the tick loop, reporting
// whether the envelope was handled.
func (c *Coordinator) HandleMessage(env proto.Envelope) bool {
	switch env.Type {
	case proto.TypeLobbyUpdate:
		update, err := proto.DecodePayload[proto.LobbyUpdate](env)
		if err != nil {
			return true
		}
		c.applyLobbyUpdate(update.Lobby)
		return true
	case proto.TypeMatchmakingUpdate:
		update, err := proto.DecodePayload[proto.MatchmakingUpdate](env)
		if err != nil {
			return true
		}
		c.applyTicketUpdate(update)
		return true
	case proto.TypeMatchFound:
		found, err := proto.DecodePayload[proto.MatchFound](env)
		if err != nil {
			return true
		}
		c.applyMatchFound(found)
		return true
	case proto.TypeMatchStart:
		start, err := proto.DecodePayload[proto.MatchStart](env)
		if err != nil {
			return true
		}
		c.applyMatchStart(start)
		return true
	}
	return false
}

// CheckTimeouts cancels a ticket stuck in the queue past the stale threshold.
func (c *Coordinator) CheckTimeouts(now time.Time) {
	c.mu.Lock()
	stale := c.ticket != nil &&
		c.ticket.Status == proto.TicketQueued &&
		now.Sub(c.ticket.SubmittedAt) > c.cfg.TicketTimeout
	c.mu.Unlock()
	if stale {
		c.CancelMatchmaking()
	}
}

// Reset clears all lobby and ticket state on disconnect.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.current = nil
	c.ticket = nil
	c.starting = false
	c.known = make(map[string]proto.LobbyInfo)
	c.mu.Unlock()
}

func (c *Coordinator) applyLobbyUpdate(info proto.LobbyInfo) {
	c.mu.Lock()
	c.known[info.ID] = cloneLobby(info)

	_, isMember := member(info, c.selfID)
	wasMember := c.current != nil && c.current.ID == info.ID
	autoStart := false

	switch {
	case isMember:
		joined := c.current == nil
		cloned := cloneLobby(info)
		c.current = &cloned
		if info.Phase == proto.LobbyPhaseWaiting {
			c.starting = false
			// The host fires auto-start exactly when the lobby is full
			// enough and everyone is ready.
			autoStart = info.HostID == c.selfID && readyToStart(info)
		}
		c.mu.Unlock()
		if joined {
			if c.session != nil {
				c.session.MarkInLobby()
			}
			c.publish(EventJoined, logging.SeverityInfo, info.ID, nil)
		}
	case wasMember:
		// Dropped from the membership set by the server.
		c.current = nil
		c.starting = false
		c.mu.Unlock()
		if c.session != nil {
			c.session.MarkLobbyLeft()
		}
		c.publish(EventLeft, logging.SeverityInfo, info.ID, nil)
	default:
		c.mu.Unlock()
	}

	if autoStart {
		if err := c.StartMatch(); err == nil {
			c.publish(EventAutoStart, logging.SeverityInfo, info.ID, nil)
		}
	}
}

func (c *Coordinator) applyTicketUpdate(update proto.MatchmakingUpdate) {
	c.mu.Lock()
	if c.ticket == nil || c.ticket.ID != update.TicketID {
		c.mu.Unlock()
		return
	}
	if c.ticket.Status == proto.TicketQueued && update.Status == proto.TicketCanceled {
		c.ticket.Status = proto.TicketCanceled
	}
	c.mu.Unlock()
}

// applyMatchFound atomically resolves the ticket into its lobby: the ticket
// leaves the queued state and the lobby mirror is installed in one step.
func (c *Coordinator) applyMatchFound(found proto.MatchFound) {
	c.mu.Lock()
	if c.ticket == nil || c.ticket.ID != found.TicketID || c.ticket.Status != proto.TicketQueued {
		c.mu.Unlock()
		return
	}
	c.ticket.Status = proto.TicketMatched
	cloned := cloneLobby(found.Lobby)
	c.current = &cloned
	c.known[found.Lobby.ID] = cloneLobby(found.Lobby)
	c.ticket = nil
	c.mu.Unlock()

	if c.session != nil {
		c.session.MarkInLobby()
	}
	c.publish(EventMatchFound, logging.SeverityInfo, found.Lobby.ID, map[string]any{"ticketId": found.TicketID})
}

func (c *Coordinator) applyMatchStart(start proto.MatchStart) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != start.LobbyID {
		c.mu.Unlock()
		return
	}
	c.current.Phase = proto.LobbyPhaseInProgress
	c.starting = false
	c.mu.Unlock()

	if c.session != nil {
		c.session.MarkInMatch()
	}
	c.publish(EventMatchStarted, logging.SeverityInfo, start.LobbyID, map[string]any{"startTick": start.StartTick})
}

func (c *Coordinator) dropTicket(ticketID string) {
	c.mu.Lock()
	if c.ticket != nil && c.ticket.ID == ticketID {
		c.ticket = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) publish(eventType logging.EventType, severity logging.Severity, id string, extra map[string]any) {
	c.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Actor:    logging.EntityRef{ID: id, Kind: logging.EntityKindLobby},
		Severity: severity,
		Category: logging.CategoryLobby,
		Extra:    extra,
	})
}

func (c *Coordinator) publishTicket(eventType logging.EventType, ticketID string) {
	c.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Actor:    logging.EntityRef{ID: ticketID, Kind: logging.EntityKindTicket},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLobby,
	})
}

func cloneLobby(info proto.LobbyInfo) proto.LobbyInfo {
	cloned := info
	cloned.Members = append([]proto.LobbyMember(nil), info.Members...)
	return cloned
}
