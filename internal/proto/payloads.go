package proto

import (
	"encoding/json"
	"hash/crc32"
)

// AuthRequest carries the credential presented on connect.
type AuthRequest struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName,omitempty"`
	Credential  string `json:"credential"`
}

// AuthSuccess confirms authentication and shares server timing hints.
type AuthSuccess struct {
	SessionID       string `json:"sessionId"`
	ServerTime      int64  `json:"serverTime"`
	HeartbeatMillis int64  `json:"heartbeatMillis,omitempty"`
}

// AuthFailed reports a rejected credential.
type AuthFailed struct {
	Reason string `json:"reason"`
}

// Ping carries the client send time used for RTT measurement.
type Ping struct {
	SentAt int64 `json:"sentAt"`
}

// Pong echoes the ping send time together with the server clock.
type Pong struct {
	ClientSent int64 `json:"clientSent"`
	ServerTime int64 `json:"serverTime"`
}

// PlayerJoin announces a peer entering the session.
type PlayerJoin struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PlayerLeave announces a peer leaving the session.
type PlayerLeave struct {
	PlayerID string `json:"playerId"`
	Reason   string `json:"reason,omitempty"`
}

// Lobby phase identifiers.
const (
	LobbyPhaseWaiting    = "waiting"
	LobbyPhaseStarting   = "starting"
	LobbyPhaseInProgress = "in-progress"
	LobbyPhaseEnded      = "ended"
)

// LobbyMember describes one member of a lobby, ordered by join time.
type LobbyMember struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName,omitempty"`
	Ready       bool   `json:"ready"`
	JoinedAt    int64  `json:"joinedAt"`
}

// LobbyInfo is the authoritative lobby state mirrored on clients.
type LobbyInfo struct {
	ID         string        `json:"id"`
	HostID     string        `json:"hostId"`
	Phase      string        `json:"phase"`
	Members    []LobbyMember `json:"members"`
	MinPlayers int           `json:"minPlayers"`
	MaxPlayers int           `json:"maxPlayers"`
	HasPass    bool          `json:"hasPassword,omitempty"`
	GameMode   string        `json:"gameMode,omitempty"`
}

// LobbyCreate asks the server to open a lobby hosted by the sender.
type LobbyCreate struct {
	MinPlayers int    `json:"minPlayers"`
	MaxPlayers int    `json:"maxPlayers"`
	Password   string `json:"password,omitempty"`
	GameMode   string `json:"gameMode,omitempty"`
}

// LobbyJoin asks the server to add the sender to a lobby.
type LobbyJoin struct {
	LobbyID  string `json:"lobbyId"`
	Password string `json:"password,omitempty"`
}

// LobbyReady toggles the sender's readiness.
type LobbyReady struct {
	Ready bool `json:"ready"`
}

// LobbyUpdate refreshes the client-side lobby mirror.
type LobbyUpdate struct {
	Lobby LobbyInfo `json:"lobby"`
}

// Matchmaking ticket status identifiers. A ticket is in exactly one of these
// states at any time.
const (
	TicketQueued   = "queued"
	TicketMatched  = "matched"
	TicketCanceled = "canceled"
)

// MatchmakingEnter submits a ticket. Submission is de-duplicated by TicketID.
type MatchmakingEnter struct {
	TicketID    string  `json:"ticketId"`
	GameMode    string  `json:"gameMode"`
	SkillRating float64 `json:"skillRating"`
	MaxLatency  int64   `json:"maxLatencyMillis,omitempty"`
	SkillRange  float64 `json:"skillRange,omitempty"`
}

// MatchmakingCancel withdraws a ticket.
type MatchmakingCancel struct {
	TicketID string `json:"ticketId"`
}

// MatchmakingUpdate reports queue progress for a ticket.
type MatchmakingUpdate struct {
	TicketID      string `json:"ticketId"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queuePosition,omitempty"`
	EstimatedWait int64  `json:"estimatedWaitMillis,omitempty"`
}

// MatchFound atomically resolves a ticket into a populated lobby.
type MatchFound struct {
	TicketID string    `json:"ticketId"`
	Lobby    LobbyInfo `json:"lobby"`
}

// MatchStart announces the transition into gameplay.
type MatchStart struct {
	LobbyID   string `json:"lobbyId"`
	StartTick uint64 `json:"startTick"`
	Seed      int64  `json:"seed,omitempty"`
}

// Chat carries a lobby or match chat line.
type Chat struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// Ack acknowledges received reliable sequence numbers.
type Ack struct {
	Seqs []uint64 `json:"seqs"`
}

// InputFrame is a tick-tagged local input command. Frames from one player are
// totally ordered by tick.
type InputFrame struct {
	Tick     uint64             `json:"tick"`
	PlayerID string             `json:"playerId"`
	Actions  map[string]float64 `json:"actions"`
	Checksum uint32             `json:"checksum"`
}

// EntityState is the replicated per-entity simulation state.
type EntityState struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

// StateSnapshot captures simulation state at a tick. BaseTick zero marks a
// full snapshot; otherwise Entities/Removed are a delta against BaseTick.
type StateSnapshot struct {
	Tick     uint64                 `json:"tick"`
	BaseTick uint64                 `json:"baseTick,omitempty"`
	Entities map[string]EntityState `json:"entities"`
	Removed  []string               `json:"removed,omitempty"`
	Checksum uint32                 `json:"checksum"`
}

// Delta reports whether the snapshot must be applied on top of a base tick.
func (s StateSnapshot) Delta() bool {
	return s.BaseTick != 0
}

// KeyframeRequest asks the authority for a full snapshot at or after Tick.
type KeyframeRequest struct {
	Tick uint64 `json:"tick"`
}

// KeyframeNack reports that the requested tick left the retained window.
type KeyframeNack struct {
	Tick   uint64 `json:"tick"`
	Oldest uint64 `json:"oldest"`
	Newest uint64 `json:"newest"`
}

// ResyncRequest asks the authority for a fresh full snapshot after local
// repair was abandoned.
type ResyncRequest struct {
	FromTick uint64 `json:"fromTick"`
	Reason   string `json:"reason"`
}

// checksumJSON hashes the canonical JSON encoding of v. encoding/json sorts
// map keys, so the encoding is deterministic.
func checksumJSON(v any) uint32 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// ComputeChecksum hashes the frame with its checksum field zeroed.
func (f InputFrame) ComputeChecksum() uint32 {
	f.Checksum = 0
	return checksumJSON(f)
}

// VerifyChecksum reports whether the embedded checksum matches the content.
func (f InputFrame) VerifyChecksum() bool {
	return f.Checksum != 0 && f.Checksum == f.ComputeChecksum()
}

// ComputeChecksum hashes the snapshot with its checksum field zeroed.
func (s StateSnapshot) ComputeChecksum() uint32 {
	s.Checksum = 0
	return checksumJSON(s)
}

// VerifyChecksum reports whether the embedded checksum matches the content.
func (s StateSnapshot) VerifyChecksum() bool {
	return s.Checksum != 0 && s.Checksum == s.ComputeChecksum()
}
