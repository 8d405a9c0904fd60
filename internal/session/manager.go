// Package session owns the connection state machine: authentication,
// heartbeat and RTT measurement, reconnection with backoff, and the peer
// registry. Timers only enqueue messages; every state transition happens on
// the caller's tick or inside a mutex-guarded section.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/transport"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
	lognet "github.com/ahump20/Sandlot-Sluggers-sub000/logging/network"
)

// State identifies a position in the session lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateInLobby        State = "in-lobby"
	StateInMatch        State = "in-match"
	StateReconnecting   State = "reconnecting"
)

// AuthenticationError reports a rejected credential. Non-retriable.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ErrConnectionLost is terminal: the retry budget is exhausted.
var ErrConnectionLost = errors.New("connection lost")

// ErrNotConnected is returned for operations requiring a live session.
var ErrNotConnected = errors.New("not connected")

// ErrAlreadyConnected is returned when Connect is called twice.
var ErrAlreadyConnected = errors.New("already connected")

var errAuthTimeout = errors.New("authentication timed out")

// Dialer opens the socket for a connection attempt.
type Dialer func(ctx context.Context) (transport.Socket, error)

// Config tunes heartbeat and reconnection behavior.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	Backoff           BackoffConfig

	Clock     logging.Clock
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
}

func (c Config) normalized() Config {
	out := c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 30 * time.Second
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = 10 * time.Second
	}
	out.Backoff = out.Backoff.normalized()
	if out.Clock == nil {
		out.Clock = logging.SystemClock{}
	}
	if out.Publisher == nil {
		out.Publisher = logging.NopPublisher()
	}
	return out
}

// Session event types published through the logging router.
const (
	EventConnected    logging.EventType = "session.connected"
	EventDisconnected logging.EventType = "session.disconnected"
	EventReconnecting logging.EventType = "session.reconnecting"
	EventResumed      logging.EventType = "session.resumed"
	EventLost         logging.EventType = "session.lost"
	EventPeerJoined   logging.EventType = "session.peer_joined"
	EventPeerLeft     logging.EventType = "session.peer_left"
)

// Manager drives the session lifecycle over one transport.
type Manager struct {
	cfg  Config
	tr   *transport.Transport
	dial Dialer

	mu          sync.Mutex
	state       State
	epoch       uint64
	playerID    string
	displayName string
	credential  string
	sessionID   string
	peers       *peerTable
	lastPong    time.Time
	clockOffset float64
	offsetInit  bool
	backlog     []proto.Envelope

	heartbeatStop chan struct{}
	authResult    chan error
	lost          chan struct{}
	lostOnce      sync.Once
}

// NewManager wires a manager to its transport and dialer.
func NewManager(cfg Config, tr *transport.Transport, dial Dialer) *Manager {
	return &Manager{
		cfg:   cfg.normalized(),
		tr:    tr,
		dial:  dial,
		state: StateDisconnected,
		peers: newPeerTable(),
		lost:  make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	if m == nil {
		return StateDisconnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID reports the server-assigned session identifier.
func (m *Manager) SessionID() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// PlayerID reports the local player identifier.
func (m *Manager) PlayerID() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playerID
}

// Lost is closed when the session becomes terminally lost.
func (m *Manager) Lost() <-chan struct{} {
	return m.lost
}

// Connect dials, authenticates, and starts the heartbeat. A rejected
// credential surfaces as *AuthenticationError and reverts the state machine
// to disconnected.
func (m *Manager) Connect(ctx context.Context, playerID, displayName, credential string) error {
	if m == nil {
		return ErrNotConnected
	}
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.playerID = playerID
	m.displayName = displayName
	m.credential = credential
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	socket, err := m.dial(ctx)
	if err != nil {
		m.revert(epoch, StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}
	m.tr.Attach(socket)
	m.setState(epoch, StateConnected)

	if err := m.authenticate(ctx, epoch); err != nil {
		m.tr.Detach()
		m.revert(epoch, StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.lastPong = m.cfg.Clock.Now()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()
	go m.heartbeatLoop(stop)

	m.publish(EventConnected, logging.SeverityInfo, nil)
	return nil
}

// Disconnect flushes a best-effort leave notification and releases all
// session resources. Idempotent and safe from any point; pending timers and
// reconnect attempts become inert.
func (m *Manager) Disconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.state = StateDisconnected
	m.sessionID = ""
	m.peers.clear()
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	playerID := m.playerID
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	leave, err := proto.NewEnvelope(proto.TypePlayerLeave, playerID, proto.PlayerLeave{PlayerID: playerID, Reason: "disconnect"})
	if err == nil {
		m.tr.Send(leave)
		m.tr.Flush(m.cfg.Clock.Now())
	}
	m.tr.Reset()
	m.tr.Detach()
	m.publish(EventDisconnected, logging.SeverityInfo, nil)
}

// Reconnect runs the backoff loop immediately, reporting whether the session
// resumed. It is also invoked internally on heartbeat timeout and transport
// failure.
func (m *Manager) Reconnect(ctx context.Context) (bool, error) {
	if m == nil {
		return false, ErrNotConnected
	}
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return false, ErrNotConnected
	}
	m.state = StateReconnecting
	epoch := m.epoch
	m.mu.Unlock()
	m.publish(EventReconnecting, logging.SeverityWarn, nil)
	return m.reconnectLoop(ctx, epoch)
}

// CheckTimeouts runs on every tick: a silent link past the heartbeat timeout
// moves the session to reconnecting and starts the backoff loop.
func (m *Manager) CheckTimeouts(now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	active := m.state == StateAuthenticated || m.state == StateInLobby || m.state == StateInMatch
	if !active || now.Sub(m.lastPong) <= m.cfg.HeartbeatTimeout {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	epoch := m.epoch
	silent := now.Sub(m.lastPong)
	playerID := m.playerID
	m.mu.Unlock()

	lognet.HeartbeatTimeout(context.Background(), m.cfg.Publisher, 0, playerID, silent.Milliseconds())
	m.publish(EventReconnecting, logging.SeverityWarn, map[string]any{"silentMillis": silent.Milliseconds()})
	go m.reconnectLoop(context.Background(), epoch)
}

// NoteTransportFailure reacts to a terminal transport error while
// authenticated by entering the reconnect flow.
func (m *Manager) NoteTransportFailure(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	active := m.state == StateAuthenticated || m.state == StateInLobby || m.state == StateInMatch
	if !active {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	epoch := m.epoch
	m.mu.Unlock()
	m.publish(EventReconnecting, logging.SeverityWarn, map[string]any{"cause": err.Error()})
	go m.reconnectLoop(context.Background(), epoch)
}

// HandleMessage consumes session-plane messages from the tick loop. It
// reports whether the envelope was handled.
func (m *Manager) HandleMessage(env proto.Envelope) bool {
	if m == nil {
		return false
	}
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	m.peers.noteInbound(env.Sender, now)
	m.mu.Unlock()

	switch env.Type {
	case proto.TypePong:
		pong, err := proto.DecodePayload[proto.Pong](env)
		if err != nil {
			return true
		}
		m.recordPong(pong, now)
		return true
	case proto.TypeAuthSuccess:
		auth, err := proto.DecodePayload[proto.AuthSuccess](env)
		if err != nil {
			return true
		}
		m.completeAuth(auth, nil, now)
		return true
	case proto.TypeAuthFailed:
		failed, err := proto.DecodePayload[proto.AuthFailed](env)
		reason := "rejected"
		if err == nil {
			reason = failed.Reason
		}
		m.completeAuth(proto.AuthSuccess{}, &AuthenticationError{Reason: reason}, now)
		return true
	case proto.TypePlayerJoin:
		join, err := proto.DecodePayload[proto.PlayerJoin](env)
		if err != nil {
			return true
		}
		m.mu.Lock()
		m.peers.add(join.PlayerID, join.DisplayName, now)
		m.mu.Unlock()
		m.publishActor(EventPeerJoined, logging.SeverityInfo, join.PlayerID, nil)
		return true
	case proto.TypePlayerLeave:
		leave, err := proto.DecodePayload[proto.PlayerLeave](env)
		if err != nil {
			return true
		}
		m.mu.Lock()
		removed := m.peers.remove(leave.PlayerID)
		m.mu.Unlock()
		if removed {
			m.publishActor(EventPeerLeft, logging.SeverityInfo, leave.PlayerID, map[string]any{"reason": leave.Reason})
		}
		return true
	}
	return false
}

// MarkInLobby transitions authenticated → in-lobby.
func (m *Manager) MarkInLobby() {
	m.transition(StateAuthenticated, StateInLobby)
}

// MarkInMatch transitions in-lobby → in-match.
func (m *Manager) MarkInMatch() {
	m.transition(StateInLobby, StateInMatch)
}

// MarkLobbyLeft transitions back to authenticated after leaving a lobby or
// match.
func (m *Manager) MarkLobbyLeft() {
	m.mu.Lock()
	if m.state == StateInLobby || m.state == StateInMatch {
		m.state = StateAuthenticated
	}
	m.mu.Unlock()
}

// Peers copies out the peer registry.
func (m *Manager) Peers() []Peer {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers.snapshot()
}

// ClockOffset reports the smoothed server-minus-local clock offset.
func (m *Manager) ClockOffset() time.Duration {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.clockOffset * float64(time.Millisecond))
}

// ServerNow estimates the current server time in unix millis.
func (m *Manager) ServerNow(now time.Time) int64 {
	return now.Add(m.ClockOffset()).UnixMilli()
}

// DrainBacklog returns messages received during the authentication handshake
// that belong to the application.
func (m *Manager) DrainBacklog() []proto.Envelope {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	backlog := m.backlog
	m.backlog = nil
	return backlog
}

func (m *Manager) authenticate(ctx context.Context, epoch uint64) error {
	m.setState(epoch, StateAuthenticating)
	env, err := proto.NewEnvelope(proto.TypeAuthenticate, m.playerID, proto.AuthRequest{
		PlayerID:    m.playerID,
		DisplayName: m.displayName,
		Credential:  m.credential,
	})
	if err != nil {
		return err
	}
	if err := m.tr.Send(env); err != nil {
		return err
	}
	m.tr.Flush(m.cfg.Clock.Now())

	deadline := m.cfg.Clock.Now().Add(m.cfg.AuthTimeout)
	timer := time.NewTimer(m.cfg.AuthTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errAuthTimeout
		case inbound, ok := <-m.tr.Inbound():
			if !ok {
				return ErrConnectionLost
			}
			switch inbound.Type {
			case proto.TypeAuthSuccess:
				auth, err := proto.DecodePayload[proto.AuthSuccess](inbound)
				if err != nil {
					return err
				}
				m.mu.Lock()
				m.sessionID = auth.SessionID
				m.mu.Unlock()
				return nil
			case proto.TypeAuthFailed:
				failed, err := proto.DecodePayload[proto.AuthFailed](inbound)
				reason := "rejected"
				if err == nil {
					reason = failed.Reason
				}
				return &AuthenticationError{Reason: reason}
			default:
				// Keep non-auth traffic for the tick loop.
				m.mu.Lock()
				m.backlog = append(m.backlog, inbound)
				m.mu.Unlock()
			}
		}
		if m.cfg.Clock.Now().After(deadline) {
			return errAuthTimeout
		}
	}
}

func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := m.cfg.Clock.Now()
			env, err := proto.NewEnvelope(proto.TypePing, m.PlayerID(), proto.Ping{SentAt: now.UnixMilli()})
			if err != nil {
				continue
			}
			// Enqueue only; the tick loop flushes.
			m.tr.Send(env)
		}
	}
}

func (m *Manager) recordPong(pong proto.Pong, now time.Time) {
	rtt := now.UnixMilli() - pong.ClientSent
	if rtt < 0 {
		rtt = 0
	}
	m.tr.RecordRTT(time.Duration(rtt) * time.Millisecond)

	offset := float64(pong.ServerTime - (pong.ClientSent + rtt/2))
	m.mu.Lock()
	m.lastPong = now
	if !m.offsetInit {
		m.clockOffset = offset
		m.offsetInit = true
	} else {
		m.clockOffset = 0.875*m.clockOffset + 0.125*offset
	}
	m.mu.Unlock()
}

func (m *Manager) completeAuth(auth proto.AuthSuccess, authErr *AuthenticationError, now time.Time) {
	m.mu.Lock()
	result := m.authResult
	if authErr == nil {
		if auth.SessionID != "" {
			m.sessionID = auth.SessionID
		}
		m.lastPong = now
	}
	m.mu.Unlock()
	if result == nil {
		return
	}
	if authErr != nil {
		select {
		case result <- authErr:
		default:
		}
		return
	}
	select {
	case result <- nil:
	default:
	}
}

func (m *Manager) reconnectLoop(ctx context.Context, epoch uint64) (bool, error) {
	for attempt := 1; attempt <= m.cfg.Backoff.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.cfg.Backoff.Delay(attempt)):
		}
		if m.stale(epoch) {
			return false, nil
		}

		socket, err := m.dial(ctx)
		if err != nil {
			continue
		}
		m.tr.Attach(socket)

		result := make(chan error, 1)
		m.mu.Lock()
		m.authResult = result
		m.mu.Unlock()

		env, err := proto.NewEnvelope(proto.TypeAuthenticate, m.PlayerID(), proto.AuthRequest{
			PlayerID:    m.PlayerID(),
			DisplayName: m.displayName,
			Credential:  m.credential,
		})
		if err == nil {
			m.tr.Send(env)
			m.tr.Flush(m.cfg.Clock.Now())
		}

		var authErr error
		timedOut := false
		select {
		case <-ctx.Done():
			authErr = ctx.Err()
		case authErr = <-result:
		case <-time.After(m.cfg.AuthTimeout):
			timedOut = true
		}

		m.mu.Lock()
		m.authResult = nil
		m.mu.Unlock()

		if m.stale(epoch) {
			return false, nil
		}
		if timedOut || authErr != nil {
			var rejected *AuthenticationError
			if errors.As(authErr, &rejected) {
				// Credential no longer valid; retrying cannot help.
				m.giveUp(epoch)
				return false, rejected
			}
			m.tr.Detach()
			continue
		}

		m.mu.Lock()
		if m.epoch == epoch && m.state == StateReconnecting {
			m.state = StateAuthenticated
			m.lastPong = m.cfg.Clock.Now()
		}
		m.mu.Unlock()
		m.publish(EventResumed, logging.SeverityInfo, map[string]any{"attempt": attempt})
		return true, nil
	}

	m.giveUp(epoch)
	return false, ErrConnectionLost
}

func (m *Manager) giveUp(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.peers.clear()
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	m.tr.Reset()
	m.tr.Detach()
	m.publish(EventLost, logging.SeverityError, nil)
	m.lostOnce.Do(func() { close(m.lost) })
}

func (m *Manager) stale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch != epoch
}

func (m *Manager) setState(epoch uint64, state State) {
	m.mu.Lock()
	if m.epoch == epoch {
		m.state = state
	}
	m.mu.Unlock()
}

func (m *Manager) revert(epoch uint64, state State) {
	m.setState(epoch, state)
}

func (m *Manager) transition(from, to State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state == from {
		m.state = to
	}
	m.mu.Unlock()
}

func (m *Manager) publish(eventType logging.EventType, severity logging.Severity, extra map[string]any) {
	m.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Session:  m.SessionID(),
		Actor:    logging.EntityRef{ID: m.PlayerID(), Kind: logging.EntityKindSession},
		Severity: severity,
		Category: logging.CategorySession,
		Extra:    extra,
	})
}

func (m *Manager) publishActor(eventType logging.EventType, severity logging.Severity, actorID string, extra map[string]any) {
	m.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Session:  m.SessionID(),
		Actor:    logging.EntityRef{ID: actorID, Kind: logging.EntityKindPeer},
		Severity: severity,
		Category: logging.CategorySession,
		Extra:    extra,
	})
}
