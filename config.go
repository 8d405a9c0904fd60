package netcode

import (
	"os"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/anticheat"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/lobby"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/session"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/sim"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/transport"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging/sinks"
)

// Config collects every tunable of the client core. The zero value is
// usable; every field defaults through the owning component's normalization.
type Config struct {
	// URL is the websocket endpoint of the authority, e.g. ws://host/ws.
	URL string

	TickRate        int
	CatchupMaxTicks int

	Transport TransportConfig
	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
	Lobby     LobbyConfig
	Sync      SyncConfig
	AntiCheat AntiCheatConfig

	Clock     logging.Clock
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
}

// TransportConfig tunes prioritized delivery and retransmission.
type TransportConfig struct {
	BandwidthBudget int
	BurstBudget     int
	QueueCapacity   int
	InboundCapacity int
	RetransmitBase  time.Duration
	MaxRetransmits  int
	GapTimeout      time.Duration
}

// HeartbeatConfig tunes liveness probing.
type HeartbeatConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	AuthTimeout time.Duration
}

// ReconnectConfig tunes the exponential backoff retry budget.
type ReconnectConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// LobbyConfig tunes the lobby and matchmaking coordinator.
type LobbyConfig struct {
	TicketTimeout time.Duration
}

// SyncConfig tunes prediction, reconciliation, and lag compensation.
type SyncConfig struct {
	InputCapacity       int
	SnapshotCapacity    int
	RollbackWindow      int
	InterpolationDelay  time.Duration
	ExtrapolationLimit  time.Duration
	DivergenceTolerance float64
	BlendDuration       time.Duration
}

// AntiCheatConfig tunes the observer hooks.
type AntiCheatConfig struct {
	Disabled           bool
	MaxSpeed           float64
	MaxActionsPerFrame int
}

func (c Config) normalized() Config {
	out := c
	if out.TickRate <= 0 {
		out.TickRate = 30
	}
	if out.CatchupMaxTicks <= 0 {
		out.CatchupMaxTicks = 4
	}
	if out.Clock == nil {
		out.Clock = logging.SystemClock{}
	}
	if out.Publisher == nil {
		out.Publisher = logging.NopPublisher()
	}
	return out
}

func (c Config) transportConfig(localID string) transport.Config {
	return transport.Config{
		LocalID:         localID,
		BandwidthBudget: c.Transport.BandwidthBudget,
		BurstBudget:     c.Transport.BurstBudget,
		QueueCapacity:   c.Transport.QueueCapacity,
		InboundCapacity: c.Transport.InboundCapacity,
		RetransmitBase:  c.Transport.RetransmitBase,
		MaxRetransmits:  c.Transport.MaxRetransmits,
		GapTimeout:      c.Transport.GapTimeout,
		Clock:           c.Clock,
		Logger:          c.Logger,
		Publisher:       c.Publisher,
		Metrics:         c.Metrics,
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatTimeout:  c.Heartbeat.Timeout,
		AuthTimeout:       c.Heartbeat.AuthTimeout,
		Backoff: session.BackoffConfig{
			Base:        c.Reconnect.Base,
			Max:         c.Reconnect.Max,
			MaxAttempts: c.Reconnect.MaxAttempts,
		},
		Clock:     c.Clock,
		Publisher: c.Publisher,
		Metrics:   c.Metrics,
		Logger:    c.Logger,
	}
}

func (c Config) lobbyConfig() lobby.Config {
	return lobby.Config{
		TicketTimeout: c.Lobby.TicketTimeout,
		Clock:         c.Clock,
		Publisher:     c.Publisher,
	}
}

func (c Config) engineConfig() sim.EngineConfig {
	return sim.EngineConfig{
		TickRate:            c.TickRate,
		InputCapacity:       c.Sync.InputCapacity,
		SnapshotCapacity:    c.Sync.SnapshotCapacity,
		RollbackWindow:      c.Sync.RollbackWindow,
		InterpolationDelay:  c.Sync.InterpolationDelay,
		ExtrapolationLimit:  c.Sync.ExtrapolationLimit,
		DivergenceTolerance: c.Sync.DivergenceTolerance,
		BlendDuration:       c.Sync.BlendDuration,
		Clock:               c.Clock,
		Publisher:           c.Publisher,
		Metrics:             c.Metrics,
		Logger:              c.Logger,
	}
}

func (c Config) anticheatConfig() anticheat.Config {
	return anticheat.Config{
		MaxSpeed:           c.AntiCheat.MaxSpeed,
		TickRate:           c.TickRate,
		MaxActionsPerFrame: c.AntiCheat.MaxActionsPerFrame,
		Publisher:          c.Publisher,
		Metrics:            c.Metrics,
	}
}

// NewLoggingRouter builds the async event router with the configured sinks.
// The caller owns the router and should Close it on shutdown.
func NewLoggingRouter(clock logging.Clock, cfg logging.Config) (*logging.Router, error) {
	if clock == nil {
		clock = logging.SystemClock{}
	}
	sinkSet := make(map[string]logging.Sink)
	if cfg.HasSink("console") {
		sinkSet["console"] = sinks.NewConsoleSink(os.Stdout, cfg.Console)
	}
	if cfg.HasSink("json") {
		js, err := sinks.NewJSONSink(cfg.JSON)
		if err != nil {
			return nil, err
		}
		sinkSet["json"] = js
	}
	return logging.NewRouter(clock, cfg, sinkSet)
}
