package main

import (
	"math"
	"sync"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/sim"
)

const (
	keyframeInterval = 60
	keyframeRetained = 64
	spawnRadius      = 200.0
)

// match is the authoritative simulation for one in-progress lobby. The hub
// tick loop calls step; connection goroutines only stage input.
type match struct {
	lobbyID  string
	tickRate int
	stepper  sim.Stepper

	mu            sync.Mutex
	tick          uint64
	world         sim.World
	prev          proto.StateSnapshot
	pending       map[string]proto.InputFrame
	retained      []proto.StateSnapshot
	sinceKeyframe int
}

func newMatch(lobbyID string, players []string, tickRate int) *match {
	world := sim.NewWorld()
	world.Tick = 1
	for i, id := range players {
		angle := 2 * math.Pi * float64(i) / float64(len(players))
		world.Entities[id] = proto.EntityState{
			ID: id,
			X:  spawnRadius * math.Cos(angle),
			Y:  spawnRadius * math.Sin(angle),
		}
	}
	return &match{
		lobbyID:  lobbyID,
		tickRate: tickRate,
		stepper:  sim.KinematicStepper{},
		tick:     1,
		world:    world,
		pending:  make(map[string]proto.InputFrame),
	}
}

// submitInput keeps the newest frame per player for the next step.
func (m *match) submitInput(frame proto.InputFrame) {
	m.mu.Lock()
	if prev, ok := m.pending[frame.PlayerID]; !ok || frame.Tick > prev.Tick {
		m.pending[frame.PlayerID] = frame
	}
	m.mu.Unlock()
}

// step advances the world one tick and returns the snapshot to broadcast.
// Every keyframeInterval ticks the snapshot is a full keyframe; otherwise
// it is a delta against the previous broadcast tick.
func (m *match) step() (proto.StateSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tick++
	dt := 1.0 / float64(m.tickRate)
	for id, frame := range m.pending {
		m.world = m.stepper.Step(m.world, frame, dt)
		delete(m.pending, id)
	}
	m.world.Tick = m.tick

	full := m.world.Snapshot()
	m.retained = append(m.retained, full)
	if len(m.retained) > keyframeRetained {
		m.retained = m.retained[1:]
	}

	m.sinceKeyframe++
	emitFull := m.prev.Tick == 0 || m.sinceKeyframe >= keyframeInterval
	if emitFull {
		m.sinceKeyframe = 0
		m.prev = full
		return full, true
	}

	delta := proto.StateSnapshot{
		Tick:     m.tick,
		BaseTick: m.prev.Tick,
		Entities: make(map[string]proto.EntityState),
	}
	for id, ent := range full.Entities {
		if before, ok := m.prev.Entities[id]; !ok || before != ent {
			delta.Entities[id] = ent
		}
	}
	for id := range m.prev.Entities {
		if _, ok := full.Entities[id]; !ok {
			delta.Removed = append(delta.Removed, id)
		}
	}
	delta.Checksum = delta.ComputeChecksum()
	m.prev = full
	return delta, false
}

// keyframe serves a retained full snapshot at or after the requested tick.
// Tick zero always answers with the newest keyframe.
func (m *match) keyframe(tick uint64) (proto.StateSnapshot, proto.KeyframeNack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.retained) == 0 {
		full := m.world.Snapshot()
		return full, proto.KeyframeNack{}, true
	}
	if tick == 0 {
		return m.retained[len(m.retained)-1], proto.KeyframeNack{}, true
	}
	oldest := m.retained[0].Tick
	newest := m.retained[len(m.retained)-1].Tick
	if tick < oldest || tick > newest {
		return proto.StateSnapshot{}, proto.KeyframeNack{Tick: tick, Oldest: oldest, Newest: newest}, false
	}
	for _, snap := range m.retained {
		if snap.Tick >= tick {
			return snap, proto.KeyframeNack{}, true
		}
	}
	return m.retained[len(m.retained)-1], proto.KeyframeNack{}, true
}
