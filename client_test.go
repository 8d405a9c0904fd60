package netcode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

// testAuthority is a minimal authoritative endpoint: it authenticates, acks
// reliable traffic, answers pings, and mirrors lobby creation back as a
// lobby_update.
type testAuthority struct {
	t *testing.T

	mu       sync.Mutex
	seq      uint64
	orderSeq uint64
}

func (a *testAuthority) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go a.serve(conn)
	}
}

func (a *testAuthority) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := proto.Decode(payload)
		if err != nil {
			continue
		}
		if env.Reliable {
			a.reply(conn, proto.TypeAck, proto.Ack{Seqs: []uint64{env.Seq}})
		}
		switch env.Type {
		case proto.TypeAuthenticate:
			req, err := proto.DecodePayload[proto.AuthRequest](env)
			if err != nil {
				continue
			}
			if req.Credential == "bad" {
				a.reply(conn, proto.TypeAuthFailed, proto.AuthFailed{Reason: "credential rejected"})
				continue
			}
			a.reply(conn, proto.TypeAuthSuccess, proto.AuthSuccess{
				SessionID:  "sess-" + req.PlayerID,
				ServerTime: time.Now().UnixMilli(),
			})
		case proto.TypePing:
			ping, err := proto.DecodePayload[proto.Ping](env)
			if err != nil {
				continue
			}
			a.reply(conn, proto.TypePong, proto.Pong{
				ClientSent: ping.SentAt,
				ServerTime: time.Now().UnixMilli(),
			})
		case proto.TypeLobbyCreate:
			create, err := proto.DecodePayload[proto.LobbyCreate](env)
			if err != nil {
				continue
			}
			a.reply(conn, proto.TypeLobbyUpdate, proto.LobbyUpdate{Lobby: proto.LobbyInfo{
				ID:         "lobby-1",
				HostID:     env.Sender,
				Phase:      proto.LobbyPhaseWaiting,
				MinPlayers: create.MinPlayers,
				MaxPlayers: create.MaxPlayers,
				GameMode:   create.GameMode,
				Members: []proto.LobbyMember{
					{PlayerID: env.Sender, JoinedAt: time.Now().UnixMilli()},
				},
			}})
		}
	}
}

func (a *testAuthority) reply(conn *websocket.Conn, msgType string, payload any) {
	env, err := proto.NewEnvelope(msgType, "server", payload)
	if err != nil {
		a.t.Errorf("build %s: %v", msgType, err)
		return
	}
	a.mu.Lock()
	a.seq++
	env.Seq = a.seq
	if env.Reliable && env.Ordered {
		a.orderSeq++
		env.OrderSeq = a.orderSeq
	}
	a.mu.Unlock()
	env.Timestamp = time.Now().UnixMilli()
	data, err := proto.Encode(env)
	if err != nil {
		a.t.Errorf("encode %s: %v", msgType, err)
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	authority := &testAuthority{t: t}
	srv := httptest.NewServer(authority.handler())
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientConnectsAndCreatesLobby(t *testing.T) {
	_, url := newTestServer(t)

	client := New(Config{URL: url, TickRate: 60})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, "p1", "Player One", "dev"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	if got := client.ConnectionState(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got)
	}

	if err := client.CreateLobby(LobbySettings{GameMode: "deathmatch"}); err != nil {
		t.Fatalf("create lobby: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if info, ok := client.CurrentLobby(); ok {
			if info.ID != "lobby-1" || info.HostID != "p1" {
				t.Fatalf("unexpected lobby %+v", info)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lobby mirror never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The lobby_update also surfaces as a notification.
	select {
	case n := <-client.Notifications():
		if n.Type != proto.TypeLobbyUpdate {
			t.Fatalf("unexpected notification %q", n.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification delivered")
	}
}

func TestClientRejectedCredentialSurfacesTypedError(t *testing.T) {
	_, url := newTestServer(t)

	client := New(Config{URL: url, TickRate: 60})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Connect(ctx, "p1", "Player One", "bad")
	var rejected *AuthenticationError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if client.ConnectionState() != StateDisconnected {
		t.Fatalf("expected disconnected after rejection, got %s", client.ConnectionState())
	}
}

func TestClientSubmitInputWithoutMatch(t *testing.T) {
	_, url := newTestServer(t)

	client := New(Config{URL: url, TickRate: 60})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, "p1", "Player One", "dev"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	frame, err := client.SubmitInput(map[string]float64{"moveX": 1})
	if err != nil {
		t.Fatalf("submit input: %v", err)
	}
	if frame.Tick == 0 || !frame.VerifyChecksum() {
		t.Fatalf("frame must be tick-stamped and signed: %+v", frame)
	}

	world := client.RenderState(time.Now())
	if _, ok := world.Entities["p1"]; !ok {
		t.Fatalf("render state must include the predicted local entity")
	}
}
