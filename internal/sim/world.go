package sim

import (
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

// World is the replicated simulation state at one tick.
type World struct {
	Tick     uint64
	Entities map[string]proto.EntityState
}

// NewWorld constructs an empty world at tick zero.
func NewWorld() World {
	return World{Entities: make(map[string]proto.EntityState)}
}

// Clone deep-copies the world.
func (w World) Clone() World {
	cloned := World{Tick: w.Tick, Entities: make(map[string]proto.EntityState, len(w.Entities))}
	for id, ent := range w.Entities {
		cloned.Entities[id] = ent
	}
	return cloned
}

// WorldFromSnapshot materializes a world from a full snapshot.
func WorldFromSnapshot(snap proto.StateSnapshot) World {
	world := World{Tick: snap.Tick, Entities: make(map[string]proto.EntityState, len(snap.Entities))}
	for id, ent := range snap.Entities {
		world.Entities[id] = ent
	}
	return world
}

// ApplyDelta produces the world at the delta's tick from its base world.
func ApplyDelta(base World, delta proto.StateSnapshot) World {
	world := base.Clone()
	world.Tick = delta.Tick
	for id, ent := range delta.Entities {
		world.Entities[id] = ent
	}
	for _, id := range delta.Removed {
		delete(world.Entities, id)
	}
	return world
}

// Snapshot renders the world as a full snapshot with a valid checksum.
func (w World) Snapshot() proto.StateSnapshot {
	snap := proto.StateSnapshot{
		Tick:     w.Tick,
		Entities: make(map[string]proto.EntityState, len(w.Entities)),
	}
	for id, ent := range w.Entities {
		snap.Entities[id] = ent
	}
	snap.Checksum = snap.ComputeChecksum()
	return snap
}

// Stepper advances one player's entity by one tick of input.
type Stepper interface {
	Step(world World, frame proto.InputFrame, dt float64) World
}

// StepperFunc adapts functions into Stepper.
type StepperFunc func(world World, frame proto.InputFrame, dt float64) World

func (f StepperFunc) Step(world World, frame proto.InputFrame, dt float64) World {
	return f(world, frame, dt)
}

// Movement action identifiers shared by the default stepper and the relay.
const (
	ActionMoveX = "moveX"
	ActionMoveY = "moveY"
)

// KinematicStepper integrates the moveX/moveY actions as velocities. Gameplay
// rule systems replace it; tests and the relay rely on its determinism.
type KinematicStepper struct {
	Speed float64
}

// Step advances the frame's player entity and stamps the world tick.
func (s KinematicStepper) Step(world World, frame proto.InputFrame, dt float64) World {
	speed := s.Speed
	if speed <= 0 {
		speed = 100
	}
	next := world.Clone()
	next.Tick = frame.Tick
	ent := next.Entities[frame.PlayerID]
	ent.ID = frame.PlayerID
	ent.VX = frame.Actions[ActionMoveX] * speed
	ent.VY = frame.Actions[ActionMoveY] * speed
	ent.X += ent.VX * dt
	ent.Y += ent.VY * dt
	next.Entities[frame.PlayerID] = ent
	return next
}
