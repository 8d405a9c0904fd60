package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/ws"
)

const serverID = "server"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	id       string
	name     string
	conn     *ws.Conn
	lobbyID  string
	ticketID string

	mu       sync.Mutex
	seq      uint64
	orderSeq uint64
}

type lobbyState struct {
	info     proto.LobbyInfo
	password string
}

type queuedTicket struct {
	id         string
	playerID   string
	gameMode   string
	skill      float64
	skillRange float64
}

type hub struct {
	log      *logrus.Logger
	tickRate int

	mu      sync.Mutex
	clients map[string]*client
	lobbies map[string]*lobbyState
	queue   []queuedTicket
	matches map[string]*match
	lobbySeq int
}

func newHub(log *logrus.Logger, tickRate int) *hub {
	if tickRate <= 0 {
		tickRate = 30
	}
	return &hub{
		log:      log,
		tickRate: tickRate,
		clients:  make(map[string]*client),
		lobbies:  make(map[string]*lobbyState),
		matches:  make(map[string]*match),
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}
	go h.serveConn(ws.Wrap(conn))
}

func (h *hub) serveConn(conn *ws.Conn) {
	cl := &client{conn: conn}
	defer h.dropClient(cl)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := proto.Decode(data)
		if err != nil {
			h.log.WithError(err).Debug("bad frame")
			continue
		}
		if env.Reliable {
			h.send(cl, proto.TypeAck, proto.Ack{Seqs: []uint64{env.Seq}})
		}
		if cl.id == "" && env.Type != proto.TypeAuthenticate {
			continue
		}
		h.handle(cl, env)
	}
}

func (h *hub) handle(cl *client, env proto.Envelope) {
	switch env.Type {
	case proto.TypeAuthenticate:
		h.authenticate(cl, env)
	case proto.TypePing:
		if ping, err := proto.DecodePayload[proto.Ping](env); err == nil {
			h.send(cl, proto.TypePong, proto.Pong{
				ClientSent: ping.SentAt,
				ServerTime: time.Now().UnixMilli(),
			})
		}
	case proto.TypeLobbyCreate:
		if req, err := proto.DecodePayload[proto.LobbyCreate](env); err == nil {
			h.createLobby(cl, req)
		}
	case proto.TypeLobbyJoin:
		if req, err := proto.DecodePayload[proto.LobbyJoin](env); err == nil {
			h.joinLobby(cl, req)
		}
	case proto.TypeLobbyLeave:
		h.leaveLobby(cl, "left")
	case proto.TypeLobbyReady:
		if req, err := proto.DecodePayload[proto.LobbyReady](env); err == nil {
			h.setReady(cl, req.Ready)
		}
	case proto.TypeMatchStart:
		h.startMatch(cl)
	case proto.TypeMatchmakingEnter:
		if req, err := proto.DecodePayload[proto.MatchmakingEnter](env); err == nil {
			h.enqueueTicket(cl, req)
		}
	case proto.TypeMatchmakingCancel:
		if req, err := proto.DecodePayload[proto.MatchmakingCancel](env); err == nil {
			h.cancelTicket(cl, req.TicketID)
		}
	case proto.TypeChat:
		if line, err := proto.DecodePayload[proto.Chat](env); err == nil {
			line.From = cl.id
			h.broadcastLobbyOrAll(cl, proto.TypeChat, line)
		}
	case proto.TypeInput:
		if frame, err := proto.DecodePayload[proto.InputFrame](env); err == nil {
			frame.PlayerID = cl.id
			h.submitInput(cl, frame)
		}
	case proto.TypeKeyframeRequest:
		if req, err := proto.DecodePayload[proto.KeyframeRequest](env); err == nil {
			h.serveKeyframe(cl, req.Tick)
		}
	case proto.TypeResyncRequest:
		h.serveKeyframe(cl, 0)
	}
}

func (h *hub) authenticate(cl *client, env proto.Envelope) {
	req, err := proto.DecodePayload[proto.AuthRequest](env)
	if err != nil || req.Credential == "" {
		h.send(cl, proto.TypeAuthFailed, proto.AuthFailed{Reason: "invalid credential"})
		return
	}
	id := req.PlayerID
	if id == "" {
		id = uuid.NewString()
	}

	h.mu.Lock()
	prev, resumed := h.clients[id]
	resumed = resumed && prev != cl
	cl.id = id
	cl.name = req.DisplayName
	if resumed {
		// A reconnect for a known player displaces the stale connection and
		// adopts its lobby and ticket state.
		cl.lobbyID = prev.lobbyID
		cl.ticketID = prev.ticketID
	}
	h.clients[id] = cl
	peers := make([]*client, 0, len(h.clients))
	for _, other := range h.clients {
		if other != cl {
			peers = append(peers, other)
		}
	}
	h.mu.Unlock()

	if resumed {
		prev.conn.Close()
	}

	h.send(cl, proto.TypeAuthSuccess, proto.AuthSuccess{
		SessionID:       uuid.NewString(),
		ServerTime:      time.Now().UnixMilli(),
		HeartbeatMillis: 1000,
	})
	for _, other := range peers {
		if !resumed {
			h.send(other, proto.TypePlayerJoin, proto.PlayerJoin{PlayerID: cl.id, DisplayName: cl.name})
		}
		h.send(cl, proto.TypePlayerJoin, proto.PlayerJoin{PlayerID: other.id, DisplayName: other.name})
	}
	if resumed && cl.lobbyID != "" {
		h.broadcastLobby(cl.lobbyID)
	}
	h.log.WithFields(logrus.Fields{"player": cl.id, "resumed": resumed}).Info("authenticated")
}

func (h *hub) createLobby(cl *client, req proto.LobbyCreate) {
	h.mu.Lock()
	h.lobbySeq++
	id := fmt.Sprintf("lobby-%d", h.lobbySeq)
	min, max := req.MinPlayers, req.MaxPlayers
	if min <= 0 {
		min = 2
	}
	if max < min {
		max = 8
	}
	state := &lobbyState{
		password: req.Password,
		info: proto.LobbyInfo{
			ID:         id,
			HostID:     cl.id,
			Phase:      proto.LobbyPhaseWaiting,
			MinPlayers: min,
			MaxPlayers: max,
			HasPass:    req.Password != "",
			GameMode:   req.GameMode,
			Members: []proto.LobbyMember{{
				PlayerID:    cl.id,
				DisplayName: cl.name,
				JoinedAt:    time.Now().UnixMilli(),
			}},
		},
	}
	h.lobbies[id] = state
	cl.lobbyID = id
	h.mu.Unlock()

	h.broadcastLobby(id)
	h.log.WithFields(logrus.Fields{"lobby": id, "host": cl.id}).Info("lobby created")
}

func (h *hub) joinLobby(cl *client, req proto.LobbyJoin) {
	h.mu.Lock()
	state, ok := h.lobbies[req.LobbyID]
	if !ok || cl.lobbyID != "" ||
		len(state.info.Members) >= state.info.MaxPlayers ||
		(state.password != "" && state.password != req.Password) ||
		state.info.Phase != proto.LobbyPhaseWaiting {
		h.mu.Unlock()
		return
	}
	state.info.Members = append(state.info.Members, proto.LobbyMember{
		PlayerID:    cl.id,
		DisplayName: cl.name,
		JoinedAt:    time.Now().UnixMilli(),
	})
	cl.lobbyID = req.LobbyID
	h.mu.Unlock()

	h.broadcastLobby(req.LobbyID)
}

func (h *hub) leaveLobby(cl *client, reason string) {
	h.mu.Lock()
	id := cl.lobbyID
	state, ok := h.lobbies[id]
	if !ok {
		cl.lobbyID = ""
		h.mu.Unlock()
		return
	}
	members := state.info.Members[:0]
	for _, m := range state.info.Members {
		if m.PlayerID != cl.id {
			members = append(members, m)
		}
	}
	state.info.Members = members
	cl.lobbyID = ""
	empty := len(members) == 0
	if empty {
		delete(h.lobbies, id)
		delete(h.matches, id)
	} else if state.info.HostID == cl.id {
		// Host migration: oldest remaining member inherits the lobby.
		state.info.HostID = members[0].PlayerID
	}
	h.mu.Unlock()

	if !empty {
		h.broadcastLobby(id)
	}
	h.log.WithFields(logrus.Fields{"lobby": id, "player": cl.id, "reason": reason}).Debug("left lobby")
}

func (h *hub) setReady(cl *client, ready bool) {
	h.mu.Lock()
	state, ok := h.lobbies[cl.lobbyID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for i := range state.info.Members {
		if state.info.Members[i].PlayerID == cl.id {
			state.info.Members[i].Ready = ready
		}
	}
	id := cl.lobbyID
	h.mu.Unlock()

	h.broadcastLobby(id)
}

func (h *hub) startMatch(cl *client) {
	h.mu.Lock()
	state, ok := h.lobbies[cl.lobbyID]
	if !ok || state.info.HostID != cl.id || state.info.Phase != proto.LobbyPhaseWaiting {
		h.mu.Unlock()
		return
	}
	state.info.Phase = proto.LobbyPhaseStarting
	id := state.info.ID
	players := make([]string, 0, len(state.info.Members))
	for _, m := range state.info.Members {
		players = append(players, m.PlayerID)
	}
	h.mu.Unlock()

	h.broadcastLobby(id)
	h.launch(id, players)
}

func (h *hub) launch(lobbyID string, players []string) {
	seed := time.Now().UnixNano()
	m := newMatch(lobbyID, players, h.tickRate)

	h.mu.Lock()
	state, ok := h.lobbies[lobbyID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.info.Phase = proto.LobbyPhaseInProgress
	h.matches[lobbyID] = m
	h.mu.Unlock()

	h.broadcastToLobby(lobbyID, proto.TypeMatchStart, proto.MatchStart{
		LobbyID:   lobbyID,
		StartTick: m.tick,
		Seed:      seed,
	})
	h.broadcastLobby(lobbyID)
	h.log.WithFields(logrus.Fields{"lobby": lobbyID, "players": len(players)}).Info("match started")
}

func (h *hub) enqueueTicket(cl *client, req proto.MatchmakingEnter) {
	h.mu.Lock()
	for _, t := range h.queue {
		if t.id == req.TicketID {
			h.mu.Unlock()
			return
		}
	}
	h.queue = append(h.queue, queuedTicket{
		id:         req.TicketID,
		playerID:   cl.id,
		gameMode:   req.GameMode,
		skill:      req.SkillRating,
		skillRange: req.SkillRange,
	})
	cl.ticketID = req.TicketID
	position := len(h.queue)
	h.mu.Unlock()

	h.send(cl, proto.TypeMatchmakingUpdate, proto.MatchmakingUpdate{
		TicketID:      req.TicketID,
		Status:        proto.TicketQueued,
		QueuePosition: position,
	})
	h.tryMatch()
}

func (h *hub) cancelTicket(cl *client, ticketID string) {
	h.mu.Lock()
	kept := h.queue[:0]
	found := false
	for _, t := range h.queue {
		if t.id == ticketID && t.playerID == cl.id {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	h.queue = kept
	cl.ticketID = ""
	h.mu.Unlock()

	if found {
		h.send(cl, proto.TypeMatchmakingUpdate, proto.MatchmakingUpdate{
			TicketID: ticketID,
			Status:   proto.TicketCanceled,
		})
	}
}

// tryMatch pairs the two oldest compatible tickets into a fresh lobby.
func (h *hub) tryMatch() {
	h.mu.Lock()
	var a, b int = -1, -1
	for i := range h.queue {
		for j := i + 1; j < len(h.queue); j++ {
			if compatible(h.queue[i], h.queue[j]) {
				a, b = i, j
				break
			}
		}
		if a >= 0 {
			break
		}
	}
	if a < 0 {
		h.mu.Unlock()
		return
	}
	first, second := h.queue[a], h.queue[b]
	kept := h.queue[:0]
	for i, t := range h.queue {
		if i != a && i != b {
			kept = append(kept, t)
		}
	}
	h.queue = kept

	h.lobbySeq++
	lobbyID := fmt.Sprintf("match-%d", h.lobbySeq)
	now := time.Now().UnixMilli()
	info := proto.LobbyInfo{
		ID:         lobbyID,
		HostID:     first.playerID,
		Phase:      proto.LobbyPhaseStarting,
		MinPlayers: 2,
		MaxPlayers: 2,
		GameMode:   first.gameMode,
		Members: []proto.LobbyMember{
			{PlayerID: first.playerID, Ready: true, JoinedAt: now},
			{PlayerID: second.playerID, Ready: true, JoinedAt: now},
		},
	}
	h.lobbies[lobbyID] = &lobbyState{info: info}
	players := make([]*client, 0, 2)
	tickets := []string{first.id, second.id}
	for _, pid := range []string{first.playerID, second.playerID} {
		if cl, ok := h.clients[pid]; ok {
			cl.lobbyID = lobbyID
			cl.ticketID = ""
			players = append(players, cl)
		}
	}
	h.mu.Unlock()

	for i, cl := range players {
		h.send(cl, proto.TypeMatchFound, proto.MatchFound{TicketID: tickets[i], Lobby: info})
	}
	h.launch(lobbyID, []string{first.playerID, second.playerID})
}

func compatible(a, b queuedTicket) bool {
	if a.gameMode != b.gameMode {
		return false
	}
	window := a.skillRange
	if b.skillRange > window {
		window = b.skillRange
	}
	if window <= 0 {
		return true
	}
	diff := a.skill - b.skill
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

func (h *hub) submitInput(cl *client, frame proto.InputFrame) {
	h.mu.Lock()
	m, ok := h.matches[cl.lobbyID]
	h.mu.Unlock()
	if !ok || !frame.VerifyChecksum() {
		return
	}
	m.submitInput(frame)
}

func (h *hub) serveKeyframe(cl *client, tick uint64) {
	h.mu.Lock()
	m, ok := h.matches[cl.lobbyID]
	h.mu.Unlock()
	if !ok {
		return
	}
	snap, nack, ok := m.keyframe(tick)
	if !ok {
		h.send(cl, proto.TypeKeyframeNack, nack)
		return
	}
	h.send(cl, proto.TypeKeyframe, snap)
}

// run drives every active match at the configured tick rate, broadcasting a
// delta snapshot per tick and a full keyframe on the keyframe interval.
func (h *hub) run() {
	ticker := time.NewTicker(time.Second / time.Duration(h.tickRate))
	defer ticker.Stop()

	for range ticker.C {
		h.mu.Lock()
		active := make(map[string]*match, len(h.matches))
		for id, m := range h.matches {
			active[id] = m
		}
		h.mu.Unlock()

		for lobbyID, m := range active {
			snap, full := m.step()
			msgType := proto.TypeStateSnapshot
			if full {
				msgType = proto.TypeKeyframe
			}
			h.broadcastToLobby(lobbyID, msgType, snap)
		}
	}
}

func (h *hub) broadcastLobby(lobbyID string) {
	h.mu.Lock()
	state, ok := h.lobbies[lobbyID]
	if !ok {
		h.mu.Unlock()
		return
	}
	info := state.info
	info.Members = append([]proto.LobbyMember(nil), state.info.Members...)
	h.mu.Unlock()

	h.broadcastToLobby(lobbyID, proto.TypeLobbyUpdate, proto.LobbyUpdate{Lobby: info})
}

func (h *hub) broadcastToLobby(lobbyID string, msgType string, payload any) {
	h.mu.Lock()
	targets := make([]*client, 0, 8)
	for _, cl := range h.clients {
		if cl.lobbyID == lobbyID {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()

	for _, cl := range targets {
		h.send(cl, msgType, payload)
	}
}

func (h *hub) broadcastLobbyOrAll(from *client, msgType string, payload any) {
	if from.lobbyID != "" {
		h.broadcastToLobby(from.lobbyID, msgType, payload)
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()
	for _, cl := range targets {
		h.send(cl, msgType, payload)
	}
}

func (h *hub) send(cl *client, msgType string, payload any) {
	env, err := proto.NewEnvelope(msgType, serverID, payload)
	if err != nil {
		h.log.WithError(err).WithField("type", msgType).Warn("encode failed")
		return
	}
	cl.mu.Lock()
	cl.seq++
	env.Seq = cl.seq
	if env.Reliable && env.Ordered {
		cl.orderSeq++
		env.OrderSeq = cl.orderSeq
	}
	env.Timestamp = time.Now().UnixMilli()
	data, err := proto.Encode(env)
	cl.mu.Unlock()
	if err != nil {
		return
	}
	if err := cl.conn.WriteMessage(data); err != nil {
		h.log.WithError(err).WithField("player", cl.id).Debug("write failed")
	}
}

func (h *hub) dropClient(cl *client) {
	cl.conn.Close()
	if cl.id == "" {
		return
	}
	h.mu.Lock()
	current, registered := h.clients[cl.id]
	h.mu.Unlock()
	if registered && current != cl {
		// The player reconnected on a newer socket; this connection was
		// displaced and owns no state anymore.
		return
	}
	h.leaveLobby(cl, "disconnected")

	h.mu.Lock()
	delete(h.clients, cl.id)
	kept := h.queue[:0]
	for _, t := range h.queue {
		if t.playerID != cl.id {
			kept = append(kept, t)
		}
	}
	h.queue = kept
	peers := make([]*client, 0, len(h.clients))
	for _, other := range h.clients {
		peers = append(peers, other)
	}
	h.mu.Unlock()

	for _, other := range peers {
		h.send(other, proto.TypePlayerLeave, proto.PlayerLeave{PlayerID: cl.id, Reason: "disconnected"})
	}
	h.log.WithField("player", cl.id).Info("disconnected")
}

type hubStatus struct {
	Clients int `json:"clients"`
	Lobbies int `json:"lobbies"`
	Queue   int `json:"queue"`
	Matches int `json:"matches"`
}

func (h *hub) status() hubStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hubStatus{
		Clients: len(h.clients),
		Lobbies: len(h.lobbies),
		Queue:   len(h.queue),
		Matches: len(h.matches),
	}
}

func (h *hub) lobbyInfo(id string) (proto.LobbyInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.lobbies[id]
	if !ok {
		return proto.LobbyInfo{}, false
	}
	info := state.info
	info.Members = append([]proto.LobbyMember(nil), state.info.Members...)
	return info, true
}
