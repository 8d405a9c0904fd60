// Package netcode is the client-side multiplayer core: session lifecycle,
// lobby and matchmaking coordination, prioritized reliable/unreliable
// delivery, and client-predicted state synchronization against an
// authoritative server. A Client owns one session; there are no package
// level singletons.
package netcode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/anticheat"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/lobby"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/session"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/sim"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/transport"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/ws"
)

// ConnectionState mirrors the session lifecycle for callers.
type ConnectionState = session.State

const (
	StateDisconnected   = session.StateDisconnected
	StateConnecting     = session.StateConnecting
	StateConnected      = session.StateConnected
	StateAuthenticating = session.StateAuthenticating
	StateAuthenticated  = session.StateAuthenticated
	StateInLobby        = session.StateInLobby
	StateInMatch        = session.StateInMatch
	StateReconnecting   = session.StateReconnecting
)

// Aliases for the lobby API surface.
type (
	LobbySettings  = lobby.Settings
	MatchCriteria  = lobby.Criteria
	Ticket         = lobby.Ticket
	NetworkStats   = transport.NetworkStats
	InputFrame     = proto.InputFrame
	StateSnapshot  = proto.StateSnapshot
	EntityState    = proto.EntityState
	LobbyInfo      = proto.LobbyInfo
	CheatDetection = anticheat.Detection
	RenderWorld    = sim.World
)

// Notification surfaces server-driven events the application may want to
// react to (chat lines, lobby changes, match transitions). Internal handling
// has already run by the time a notification is delivered; dropping them is
// harmless.
type Notification struct {
	Type     string
	Envelope proto.Envelope
}

const notificationDepth = 64

// Client wires the transport, session manager, lobby coordinator, sync
// engine, and anti-cheat monitor behind one fixed-timestep tick loop. All
// gameplay-affecting mutation happens on that loop; the public methods only
// enqueue work or copy state out.
type Client struct {
	cfg     Config
	tr      *transport.Transport
	sess    *session.Manager
	coord   *lobby.Coordinator
	engine  *sim.Engine
	monitor *anticheat.Monitor
	loop    *sim.Loop

	mu      sync.Mutex
	stop    chan struct{}
	running bool

	notifications chan Notification
}

// New builds a client from the config. Nothing connects until Connect.
func New(cfg Config) *Client {
	cfg = cfg.normalized()
	c := &Client{
		cfg:           cfg,
		notifications: make(chan Notification, notificationDepth),
	}
	c.tr = transport.New(cfg.transportConfig(""))
	c.sess = session.NewManager(cfg.sessionConfig(), c.tr, func(ctx context.Context) (transport.Socket, error) {
		return ws.Dial(ctx, cfg.URL)
	})
	c.coord = lobby.NewCoordinator(cfg.lobbyConfig(), c.tr, c.sess)
	c.engine = sim.NewEngine(cfg.engineConfig(), nil, c.tr)
	c.engine.SetTimeSource(c.sess)
	if !cfg.AntiCheat.Disabled {
		c.monitor = anticheat.NewMonitor(cfg.anticheatConfig())
	}
	c.loop = sim.NewLoop(
		sim.LoopConfig{TickRate: cfg.TickRate, CatchupMaxTicks: cfg.CatchupMaxTicks},
		sim.LoopHooks{Step: c.step},
		cfg.Clock,
		cfg.Logger,
	)
	return c
}

// Connect dials the server, authenticates, and starts the tick loop. An
// *AuthenticationError means the credential was rejected and a retry with
// the same credential is pointless.
func (c *Client) Connect(ctx context.Context, playerID, displayName, credential string) error {
	if err := c.sess.Connect(ctx, playerID, displayName, credential); err != nil {
		return err
	}
	id := c.sess.PlayerID()
	c.engine.SetLocalPlayer(id)
	c.coord.SetLocalPlayer(id)
	for _, env := range c.sess.DrainBacklog() {
		c.dispatch(env)
	}

	c.mu.Lock()
	if !c.running {
		c.stop = make(chan struct{})
		c.running = true
		go c.loop.Run(c.stop)
	}
	c.mu.Unlock()
	return nil
}

// Disconnect tears the session down and stops the tick loop. Safe to call
// from any state, any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.running {
		close(c.stop)
		c.running = false
	}
	c.mu.Unlock()

	c.sess.Disconnect()
	c.coord.Reset()
	c.engine.Reset()
	c.monitor.Reset()
}

// Reconnect forces an immediate reconnection attempt. It reports whether
// the session was resumed with its previous identity.
func (c *Client) Reconnect(ctx context.Context) (bool, error) {
	return c.sess.Reconnect(ctx)
}

// ConnectionState reports the session lifecycle state.
func (c *Client) ConnectionState() ConnectionState {
	return c.sess.State()
}

// ConnectionLost is closed when the reconnect budget is exhausted.
func (c *Client) ConnectionLost() <-chan struct{} {
	return c.sess.Lost()
}

// Notifications delivers server-driven events. The channel is never closed;
// stale entries are dropped when the buffer fills.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Peers copies out the known remote players.
func (c *Client) Peers() []session.Peer {
	return c.sess.Peers()
}

// CreateLobby asks the server to open a lobby with the local player as host.
func (c *Client) CreateLobby(settings LobbySettings) error {
	return c.coord.CreateLobby(settings)
}

// JoinLobby validates capacity and password against the last known roster
// before any network round-trip.
func (c *Client) JoinLobby(lobbyID, password string) error {
	return c.coord.JoinLobby(lobbyID, password)
}

// LeaveLobby exits the current lobby.
func (c *Client) LeaveLobby() error {
	return c.coord.LeaveLobby()
}

// SetReady toggles the local ready flag.
func (c *Client) SetReady(ready bool) error {
	return c.coord.SetReady(ready)
}

// StartMatch force-starts the match; only the host may call it.
func (c *Client) StartMatch() error {
	return c.coord.StartMatch()
}

// CurrentLobby copies out the lobby the local player is in, if any.
func (c *Client) CurrentLobby() (LobbyInfo, bool) {
	return c.coord.Lobby()
}

// EnqueueMatchmaking submits a matchmaking ticket.
func (c *Client) EnqueueMatchmaking(criteria MatchCriteria) (Ticket, error) {
	return c.coord.EnqueueMatchmaking(criteria)
}

// CancelMatchmaking withdraws the pending ticket. Safe to call at any point;
// a concurrent match_found wins the race on the server and is honored here.
func (c *Client) CancelMatchmaking() error {
	return c.coord.CancelMatchmaking()
}

// CurrentTicket copies out the pending matchmaking ticket, if any.
func (c *Client) CurrentTicket() (Ticket, bool) {
	return c.coord.CurrentTicket()
}

// SendChat sends a chat line to the current lobby or match.
func (c *Client) SendChat(text string) error {
	env, err := proto.NewEnvelope(proto.TypeChat, c.sess.PlayerID(), proto.Chat{
		From: c.sess.PlayerID(),
		Text: text,
	})
	if err != nil {
		return err
	}
	return c.tr.Send(env)
}

// SubmitInput predicts the action set locally and stages it for send.
func (c *Client) SubmitInput(actions map[string]float64) (InputFrame, error) {
	return c.engine.SubmitInput(actions)
}

// IngestSnapshot reconciles an authoritative snapshot directly. Snapshots
// arriving over the transport are ingested by the tick loop; this entry
// point serves replay tooling and tests.
func (c *Client) IngestSnapshot(snap StateSnapshot, serverTime int64) error {
	return c.engine.IngestSnapshot(snap, serverTime)
}

// RenderState returns the interpolated render-facing world for now.
func (c *Client) RenderState(now time.Time) RenderWorld {
	return c.engine.RenderState(now)
}

// NetworkStats copies out smoothed RTT, jitter, loss, and bandwidth figures.
func (c *Client) NetworkStats() NetworkStats {
	return c.tr.Stats()
}

// Detections copies out the anti-cheat detection log.
func (c *Client) Detections() []CheatDetection {
	return c.monitor.Detections()
}

// step is the tick body: drain inbound traffic, surface transport faults,
// advance the engine, run timeout checks, then flush outbound.
func (c *Client) step(ctx sim.TickContext) {
inbound:
	for {
		select {
		case env := <-c.tr.Inbound():
			c.dispatch(env)
		default:
			break inbound
		}
	}
faults:
	for {
		select {
		case err := <-c.tr.Errors():
			var rerr *transport.RetransmitError
			if errors.As(err, &rerr) {
				c.sess.NoteTransportFailure(err)
			}
		default:
			break faults
		}
	}
	c.engine.Tick(ctx.Now, ctx.Delta)
	c.sess.CheckTimeouts(ctx.Now)
	c.coord.CheckTimeouts(ctx.Now)
	c.tr.Flush(ctx.Now)
}

func (c *Client) dispatch(env proto.Envelope) {
	if c.sess.HandleMessage(env) {
		c.notify(env)
		return
	}
	if c.coord.HandleMessage(env) {
		if env.Type == proto.TypeMatchStart {
			if start, err := proto.DecodePayload[proto.MatchStart](env); err == nil {
				c.engine.SeedTick(start.StartTick)
			}
		}
		c.notify(env)
		return
	}

	switch env.Type {
	case proto.TypeStateSnapshot:
		snap, err := proto.DecodePayload[proto.StateSnapshot](env)
		if err != nil {
			return
		}
		history := c.engine.InputHistory()
		if ingestErr := c.engine.IngestSnapshot(snap, env.Timestamp); ingestErr == nil || errors.Is(ingestErr, ErrChecksumMismatch) {
			c.observeCheat(snap, history)
		}
	case proto.TypeKeyframe:
		snap, err := proto.DecodePayload[proto.StateSnapshot](env)
		if err != nil {
			return
		}
		c.engine.InstallKeyframe(snap, env.Timestamp)
	case proto.TypeKeyframeNack:
		if nack, err := proto.DecodePayload[proto.KeyframeNack](env); err == nil {
			c.engine.NoteKeyframeNack(nack)
		}
	case proto.TypeChat:
		c.notify(env)
	}
}

func (c *Client) observeCheat(snap proto.StateSnapshot, history []proto.InputFrame) {
	if c.monitor == nil {
		return
	}
	confirmed := history[:0:0]
	for _, frame := range history {
		if frame.Tick <= snap.Tick {
			confirmed = append(confirmed, frame)
		}
	}
	c.monitor.ObserveSnapshot(snap, confirmed)
}

func (c *Client) notify(env proto.Envelope) {
	switch env.Type {
	case proto.TypeChat, proto.TypeLobbyUpdate, proto.TypeMatchmakingUpdate,
		proto.TypeMatchFound, proto.TypeMatchStart,
		proto.TypePlayerJoin, proto.TypePlayerLeave:
	default:
		return
	}
	n := Notification{Type: env.Type, Envelope: env}
	for {
		select {
		case c.notifications <- n:
			return
		default:
		}
		select {
		case <-c.notifications:
		default:
		}
	}
}
