package netcode

import (
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/lobby"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/session"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/sim"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/transport"
)

// AuthenticationError means the credential was rejected; retrying with the
// same credential will not succeed.
type AuthenticationError = session.AuthenticationError

// MessageGapError reports a reliable-ordered stream gap that was skipped
// after the gap timeout.
type MessageGapError = transport.MessageGapError

// RetransmitError reports a reliable message abandoned after exhausting its
// retry budget.
type RetransmitError = transport.RetransmitError

var (
	// ErrConnectionLost is terminal: the reconnect budget is exhausted and
	// the caller must decide whether to start a fresh session.
	ErrConnectionLost = session.ErrConnectionLost
	// ErrNotConnected reports an operation that needs a live session.
	ErrNotConnected = session.ErrNotConnected

	ErrNotHost         = lobby.ErrNotHost
	ErrLobbyFull       = lobby.ErrLobbyFull
	ErrInvalidPassword = lobby.ErrInvalidPassword
	ErrNotInLobby      = lobby.ErrNotInLobby
	ErrAlreadyInLobby  = lobby.ErrAlreadyInLobby
	ErrNotReady        = lobby.ErrNotReady
	ErrTicketPending   = lobby.ErrTicketPending
	ErrNoTicket        = lobby.ErrNoTicket

	// ErrChecksumMismatch and ErrRollbackWindowExceeded are recoverable:
	// the engine has already fallen back to authoritative state (and, for
	// the latter, requested a full resync) by the time they surface.
	ErrChecksumMismatch       = sim.ErrChecksumMismatch
	ErrRollbackWindowExceeded = sim.ErrRollbackWindowExceeded
	ErrInputBufferFull        = sim.ErrInputBufferFull
)
