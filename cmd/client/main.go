// Command client is an interactive terminal client for the relay. It drives
// the full session lifecycle: connect, lobby or matchmaking, ready-up, then
// a movement demo loop against the authoritative simulation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	netcode "github.com/ahump20/Sandlot-Sluggers-sub000"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

var (
	info   = color.New(color.FgCyan).SprintfFunc()
	warn   = color.New(color.FgYellow).SprintfFunc()
	fail   = color.New(color.FgRed).SprintfFunc()
	accent = color.New(color.FgGreen).SprintfFunc()
)

func main() {
	var (
		url    string
		player string
		name   string
		cred   string
	)
	flag.StringVar(&url, "url", "ws://localhost:8080/ws", "relay websocket endpoint")
	flag.StringVar(&player, "player", "", "player id (random when empty)")
	flag.StringVar(&name, "name", "", "display name")
	flag.StringVar(&cred, "credential", "dev", "credential presented on connect")
	flag.Parse()

	client := netcode.New(netcode.Config{URL: url})

	fmt.Println(info("connecting to %s", url))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := client.Connect(ctx, player, name, cred)
	cancel()
	if err != nil {
		var authErr *netcode.AuthenticationError
		if errors.As(err, &authErr) {
			fmt.Println(fail("authentication rejected: %v", err))
		} else {
			fmt.Println(fail("connect failed: %v", err))
		}
		return
	}
	defer client.Disconnect()
	fmt.Println(accent("connected, state=%s", client.ConnectionState()))

	go watchNotifications(client)
	go watchConnection(client)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          accent("» "),
		HistoryFile:     "/tmp/netcode-client-history",
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Println(fail("readline: %v", err))
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if quit := execute(client, strings.Fields(strings.TrimSpace(line))); quit {
			return
		}
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("create"),
		readline.PcItem("join"),
		readline.PcItem("leave"),
		readline.PcItem("ready", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("start"),
		readline.PcItem("queue"),
		readline.PcItem("cancel"),
		readline.PcItem("chat"),
		readline.PcItem("move"),
		readline.PcItem("pos"),
		readline.PcItem("stats"),
		readline.PcItem("peers"),
		readline.PcItem("lobby"),
		readline.PcItem("state"),
		readline.PcItem("quit"),
	)
}

func execute(client *netcode.Client, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "create":
		err = client.CreateLobby(netcode.LobbySettings{})
	case "join":
		if len(args) < 2 {
			fmt.Println(warn("usage: join <lobby-id> [password]"))
			return false
		}
		password := ""
		if len(args) > 2 {
			password = args[2]
		}
		err = client.JoinLobby(args[1], password)
	case "leave":
		err = client.LeaveLobby()
	case "ready":
		ready := len(args) < 2 || args[1] != "off"
		err = client.SetReady(ready)
	case "start":
		err = client.StartMatch()
	case "queue":
		mode := "default"
		if len(args) > 1 {
			mode = args[1]
		}
		skill := 1000.0
		if len(args) > 2 {
			skill, _ = strconv.ParseFloat(args[2], 64)
		}
		var ticket netcode.Ticket
		ticket, err = client.EnqueueMatchmaking(netcode.MatchCriteria{GameMode: mode, SkillRating: skill})
		if err == nil {
			fmt.Println(info("ticket %s queued", ticket.ID))
		}
	case "cancel":
		err = client.CancelMatchmaking()
	case "chat":
		err = client.SendChat(strings.Join(args[1:], " "))
	case "move":
		if len(args) < 3 {
			fmt.Println(warn("usage: move <dx> <dy>"))
			return false
		}
		dx, _ := strconv.ParseFloat(args[1], 64)
		dy, _ := strconv.ParseFloat(args[2], 64)
		_, err = client.SubmitInput(map[string]float64{"moveX": dx, "moveY": dy})
	case "pos":
		world := client.RenderState(time.Now())
		for id, ent := range world.Entities {
			fmt.Println(info("%-16s x=%8.2f y=%8.2f", id, ent.X, ent.Y))
		}
	case "stats":
		stats := client.NetworkStats()
		fmt.Println(info("rtt=%.1fms jitter=%.1fms loss=%.1f%% bw=%.0fB/s",
			stats.RTTMillis, stats.JitterMillis, stats.LossPercent, stats.BandwidthBPS))
	case "peers":
		for _, peer := range client.Peers() {
			fmt.Println(info("%s (%s)", peer.ID, peer.DisplayName))
		}
	case "lobby":
		if lobby, ok := client.CurrentLobby(); ok {
			fmt.Println(info("%s phase=%s host=%s members=%d/%d",
				lobby.ID, lobby.Phase, lobby.HostID, len(lobby.Members), lobby.MaxPlayers))
			for _, m := range lobby.Members {
				marker := " "
				if m.Ready {
					marker = "*"
				}
				fmt.Println(info("  %s%s", marker, m.PlayerID))
			}
		} else {
			fmt.Println(warn("not in a lobby"))
		}
	case "state":
		fmt.Println(info("%s", client.ConnectionState()))
	case "quit", "exit":
		return true
	default:
		fmt.Println(warn("unknown command %q", args[0]))
	}
	if err != nil {
		fmt.Println(fail("%v", err))
	}
	return false
}

func watchNotifications(client *netcode.Client) {
	for n := range client.Notifications() {
		switch n.Type {
		case proto.TypeChat:
			if line, err := proto.DecodePayload[proto.Chat](n.Envelope); err == nil {
				fmt.Println(accent("[chat] %s: %s", line.From, line.Text))
			}
		case proto.TypeMatchFound:
			if found, err := proto.DecodePayload[proto.MatchFound](n.Envelope); err == nil {
				fmt.Println(accent("[match] found, lobby %s", found.Lobby.ID))
			}
		case proto.TypeMatchStart:
			if start, err := proto.DecodePayload[proto.MatchStart](n.Envelope); err == nil {
				fmt.Println(accent("[match] started at tick %d", start.StartTick))
			}
		case proto.TypePlayerJoin:
			if join, err := proto.DecodePayload[proto.PlayerJoin](n.Envelope); err == nil {
				fmt.Println(info("[peer] %s joined", join.PlayerID))
			}
		case proto.TypePlayerLeave:
			if leave, err := proto.DecodePayload[proto.PlayerLeave](n.Envelope); err == nil {
				fmt.Println(info("[peer] %s left", leave.PlayerID))
			}
		}
	}
}

func watchConnection(client *netcode.Client) {
	<-client.ConnectionLost()
	fmt.Println(fail("connection lost, reconnect budget exhausted"))
}
