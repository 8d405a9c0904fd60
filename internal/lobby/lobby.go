package lobby

import (
	"errors"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

// Local validation errors, returned synchronously without a network
// round-trip.
var (
	ErrNotHost         = errors.New("not the lobby host")
	ErrLobbyFull       = errors.New("lobby is full")
	ErrInvalidPassword = errors.New("invalid lobby password")
	ErrNotInLobby      = errors.New("not in a lobby")
	ErrAlreadyInLobby  = errors.New("already in a lobby")
	ErrNotReady        = errors.New("lobby is not ready to start")
	ErrTicketPending   = errors.New("matchmaking ticket already queued")
	ErrNoTicket        = errors.New("no matchmaking ticket")
)

// Settings configures a lobby about to be created.
type Settings struct {
	MinPlayers int
	MaxPlayers int
	Password   string
	GameMode   string
}

func (s Settings) normalized() Settings {
	out := s
	if out.MinPlayers <= 0 {
		out.MinPlayers = 2
	}
	if out.MaxPlayers <= 0 {
		out.MaxPlayers = 8
	}
	if out.MaxPlayers < out.MinPlayers {
		out.MaxPlayers = out.MinPlayers
	}
	return out
}

func member(info proto.LobbyInfo, playerID string) (proto.LobbyMember, bool) {
	for _, m := range info.Members {
		if m.PlayerID == playerID {
			return m, true
		}
	}
	return proto.LobbyMember{}, false
}

// readyToStart reports whether membership meets the minimum and the readiness
// set equals the membership set.
func readyToStart(info proto.LobbyInfo) bool {
	if len(info.Members) < info.MinPlayers {
		return false
	}
	for _, m := range info.Members {
		if !m.Ready {
			return false
		}
	}
	return true
}
