// Package sim is the state-synchronization engine: it buffers local input,
// predicts ahead of the authoritative stream, reconciles confirmed
// snapshots, rolls back and replays on divergence, and serves interpolated
// render state for remote entities. The engine is driven from the tick loop;
// accessors copy state out rather than sharing references.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

// Recoverable synchronization faults. Both are handled internally before they
// surface; callers observe them for reporting only.
var (
	ErrChecksumMismatch       = errors.New("snapshot checksum mismatch")
	ErrRollbackWindowExceeded = errors.New("rollback window exceeded")
	ErrMissingDeltaBase       = errors.New("delta base tick not buffered")
	ErrInputBufferFull        = errors.New("input buffer full")
	ErrStaleInputTick         = errors.New("input tick does not advance")
)

const (
	metricRollbacks       = "sim_rollback_total"
	metricChecksumFail    = "sim_checksum_mismatch_total"
	metricResyncRequests  = "sim_resync_request_total"
	metricWindowExceeded  = "sim_rollback_window_exceeded_total"
	metricSnapshotsStored = "sim_snapshots_ingested_total"
)

// Synchronization event types.
const (
	EventRollback         logging.EventType = "sync.rollback"
	EventChecksumMismatch logging.EventType = "sync.checksum_mismatch"
	EventResyncRequest    logging.EventType = "sync.resync_request"
	EventResynced         logging.EventType = "sync.resynced"
	EventWindowExceeded   logging.EventType = "sync.window_exceeded"
)

// TimeSource estimates the server clock; the session manager implements it.
type TimeSource interface {
	ServerNow(now time.Time) int64
}

// Sender stages outbound messages; the transport satisfies it.
type Sender interface {
	Send(proto.Envelope) error
}

// EngineConfig tunes prediction, reconciliation, and interpolation.
type EngineConfig struct {
	TickRate            int
	InputCapacity       int
	SnapshotCapacity    int
	RollbackWindow      int
	InterpolationDelay  time.Duration
	ExtrapolationLimit  time.Duration
	DivergenceTolerance float64
	BlendDuration       time.Duration

	Clock     logging.Clock
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
}

func (c EngineConfig) normalized() EngineConfig {
	out := c
	if out.TickRate <= 0 {
		out.TickRate = 30
	}
	if out.InputCapacity <= 0 {
		out.InputCapacity = 128
	}
	if out.SnapshotCapacity <= 0 {
		out.SnapshotCapacity = 64
	}
	if out.RollbackWindow <= 0 {
		out.RollbackWindow = 10
	}
	if out.InterpolationDelay <= 0 {
		out.InterpolationDelay = 100 * time.Millisecond
	}
	if out.ExtrapolationLimit <= 0 {
		out.ExtrapolationLimit = 250 * time.Millisecond
	}
	if out.DivergenceTolerance <= 0 {
		out.DivergenceTolerance = 0.01
	}
	if out.BlendDuration <= 0 {
		out.BlendDuration = 200 * time.Millisecond
	}
	if out.Clock == nil {
		out.Clock = logging.SystemClock{}
	}
	if out.Publisher == nil {
		out.Publisher = logging.NopPublisher()
	}
	return out
}

// Engine owns the input ring buffer and the snapshot buffer exclusively.
type Engine struct {
	cfg     EngineConfig
	stepper Stepper
	send    Sender

	mu            sync.Mutex
	localID       string
	timeSource    TimeSource
	inputs        *InputBuffer
	snapshots     *SnapshotBuffer
	predicted     World
	history       map[uint64]World
	confirmed     World
	confirmedTick uint64
	policy        *resyncPolicy

	blend       *gween.Tween
	blendFactor float64
	errX        float64
	errY        float64

	tickSeconds float64
}

// NewEngine constructs an engine around the given stepper and sender.
func NewEngine(cfg EngineConfig, stepper Stepper, send Sender) *Engine {
	cfg = cfg.normalized()
	if stepper == nil {
		stepper = KinematicStepper{}
	}
	return &Engine{
		cfg:         cfg,
		stepper:     stepper,
		send:        send,
		inputs:      NewInputBuffer(cfg.InputCapacity, cfg.Metrics),
		snapshots:   NewSnapshotBuffer(cfg.SnapshotCapacity, cfg.Metrics),
		predicted:   NewWorld(),
		history:     make(map[uint64]World),
		confirmed:   NewWorld(),
		policy:      newResyncPolicy(),
		tickSeconds: 1.0 / float64(cfg.TickRate),
	}
}

// SetLocalPlayer records the authenticated local player id.
func (e *Engine) SetLocalPlayer(playerID string) {
	e.mu.Lock()
	e.localID = playerID
	e.mu.Unlock()
}

// SetTimeSource installs the server-clock estimator.
func (e *Engine) SetTimeSource(ts TimeSource) {
	e.mu.Lock()
	e.timeSource = ts
	e.mu.Unlock()
}

// SeedTick aligns the local tick counter with the authoritative start tick.
func (e *Engine) SeedTick(tick uint64) {
	e.mu.Lock()
	e.predicted.Tick = tick
	e.confirmedTick = tick
	e.confirmed.Tick = tick
	e.mu.Unlock()
}

// SubmitInput tags the action set with the next local tick, predicts its
// effect immediately, and stages the frame for unreliable/high-priority send.
// The frame stays buffered until the server confirms its tick.
func (e *Engine) SubmitInput(actions map[string]float64) (proto.InputFrame, error) {
	e.mu.Lock()
	copied := make(map[string]float64, len(actions))
	for k, v := range actions {
		copied[k] = v
	}
	frame := proto.InputFrame{
		Tick:     e.predicted.Tick + 1,
		PlayerID: e.localID,
		Actions:  copied,
	}
	frame.Checksum = frame.ComputeChecksum()

	if !e.inputs.Push(frame) {
		e.mu.Unlock()
		return proto.InputFrame{}, ErrInputBufferFull
	}
	e.predicted = e.stepper.Step(e.predicted, frame, e.tickSeconds)
	e.history[frame.Tick] = e.predicted
	e.pruneHistoryLocked()
	sender := e.send
	e.mu.Unlock()

	if sender != nil {
		env, err := proto.NewEnvelope(proto.TypeInput, frame.PlayerID, frame)
		if err != nil {
			return frame, err
		}
		if err := sender.Send(env); err != nil {
			return frame, err
		}
	}
	return frame, nil
}

// IngestSnapshot reconciles an authoritative snapshot. Snapshots at or below
// the confirmed tick are no-ops, so re-applying the same snapshot never
// triggers a second rollback. A checksum mismatch invalidates local
// prediction for that tick and forces reconciliation onto the authoritative
// state; the mismatch is reported, never silently trusted away.
func (e *Engine) IngestSnapshot(snap proto.StateSnapshot, serverTime int64) error {
	e.mu.Lock()
	e.policy.noteEvent()

	mismatch := !snap.VerifyChecksum()
	if mismatch {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.Add(metricChecksumFail, 1)
		}
		e.policy.noteLost("checksum_mismatch", fmt.Sprintf("tick=%d", snap.Tick))
		e.publishLocked(EventChecksumMismatch, logging.SeverityWarn, snap.Tick, nil)
	}

	var world World
	if snap.Delta() {
		base, ok := e.snapshots.At(snap.BaseTick)
		if !ok {
			e.policy.noteLost("missing_base", fmt.Sprintf("base=%d tick=%d", snap.BaseTick, snap.Tick))
			e.maybeResyncLocked()
			e.mu.Unlock()
			return fmt.Errorf("%w: base=%d", ErrMissingDeltaBase, snap.BaseTick)
		}
		world = ApplyDelta(WorldFromSnapshot(base.Snapshot), snap)
	} else {
		world = WorldFromSnapshot(snap)
	}

	if snap.Tick <= e.confirmedTick {
		e.mu.Unlock()
		return nil
	}

	stored := world.Snapshot()
	e.snapshots.Push(SnapshotEntry{
		Snapshot:   stored,
		ServerTime: serverTime,
		ReceivedAt: e.cfg.Clock.Now(),
	})
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Add(metricSnapshotsStored, 1)
	}
	e.confirmed = world
	e.confirmedTick = snap.Tick

	err := e.reconcileLocked(world, mismatch)
	e.mu.Unlock()
	return err
}

// InstallKeyframe adopts a full authoritative snapshot wholesale, discarding
// prediction and buffered input. Used for the initial baseline and after a
// hard resync.
func (e *Engine) InstallKeyframe(snap proto.StateSnapshot, serverTime int64) {
	world := WorldFromSnapshot(snap)
	e.mu.Lock()
	e.confirmed = world
	e.confirmedTick = snap.Tick
	e.predicted = world.Clone()
	e.inputs.Reset()
	e.history = make(map[uint64]World)
	e.snapshots.Push(SnapshotEntry{
		Snapshot:   world.Snapshot(),
		ServerTime: serverTime,
		ReceivedAt: e.cfg.Clock.Now(),
	})
	e.errX, e.errY = 0, 0
	e.blend = nil
	e.blendFactor = 0
	e.publishLocked(EventResynced, logging.SeverityInfo, snap.Tick, nil)
	e.mu.Unlock()
}

// NoteKeyframeNack escalates an evicted-keyframe answer to a full resync.
func (e *Engine) NoteKeyframeNack(nack proto.KeyframeNack) {
	e.mu.Lock()
	e.policy.force("keyframe_nack", fmt.Sprintf("tick=%d oldest=%d newest=%d", nack.Tick, nack.Oldest, nack.Newest))
	e.maybeResyncLocked()
	e.mu.Unlock()
}

// Tick advances the correction blend and fires any pending resync request.
// The loop calls it once per simulation tick.
func (e *Engine) Tick(now time.Time, dt float64) {
	e.mu.Lock()
	if e.blend != nil {
		value, finished := e.blend.Update(float32(dt))
		e.blendFactor = float64(value)
		if finished {
			e.blend = nil
			e.blendFactor = 0
			e.errX, e.errY = 0, 0
		}
	}
	e.maybeResyncLocked()
	e.mu.Unlock()
}

// RenderState serves the render-facing world for the given local time:
// remote entities are interpolated at the delayed render timestamp, falling
// back to bounded extrapolation and then freezing at the horizon; the local
// entity comes from prediction with the rollback error eased out.
func (e *Engine) RenderState(now time.Time) World {
	e.mu.Lock()
	defer e.mu.Unlock()

	serverNow := now.UnixMilli()
	if e.timeSource != nil {
		serverNow = e.timeSource.ServerNow(now)
	}
	target := serverNow - e.cfg.InterpolationDelay.Milliseconds()

	out := NewWorld()
	if before, after, ok := e.snapshots.Bracket(target); ok {
		out.Tick = before.Snapshot.Tick
		span := after.ServerTime - before.ServerTime
		alpha := 0.0
		if span > 0 {
			alpha = float64(target-before.ServerTime) / float64(span)
		}
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		for id, next := range after.Snapshot.Entities {
			prev, ok := before.Snapshot.Entities[id]
			if !ok {
				prev = next
			}
			out.Entities[id] = lerpEntity(prev, next, alpha)
		}
	} else if latest, ok := e.snapshots.Latest(); ok {
		out.Tick = latest.Snapshot.Tick
		ahead := target - latest.ServerTime
		if ahead < 0 {
			ahead = 0
		}
		limit := e.cfg.ExtrapolationLimit.Milliseconds()
		if ahead > limit {
			// Past the horizon: freeze at the last known state.
			ahead = limit
		}
		dt := float64(ahead) / 1000.0
		for id, ent := range latest.Snapshot.Entities {
			ent.X += ent.VX * dt
			ent.Y += ent.VY * dt
			out.Entities[id] = ent
		}
	}

	if e.localID != "" {
		if ent, ok := e.predicted.Entities[e.localID]; ok {
			ent.X += e.errX * e.blendFactor
			ent.Y += e.errY * e.blendFactor
			out.Entities[e.localID] = ent
			if e.predicted.Tick > out.Tick {
				out.Tick = e.predicted.Tick
			}
		}
	}
	return out
}

// ConfirmedTick reports the newest authoritative tick.
func (e *Engine) ConfirmedTick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmedTick
}

// PredictedTick reports the newest locally predicted tick.
func (e *Engine) PredictedTick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.predicted.Tick
}

// PendingInputs reports unconfirmed buffered input frames.
func (e *Engine) PendingInputs() int {
	return e.inputs.Len()
}

// PredictedEntity copies out the predicted state for one entity.
func (e *Engine) PredictedEntity(id string) (proto.EntityState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.predicted.Entities[id]
	return ent, ok
}

// ConfirmedWorld copies out the latest authoritative world.
func (e *Engine) ConfirmedWorld() World {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmed.Clone()
}

// InputHistory copies out the unconfirmed input frames, oldest first.
func (e *Engine) InputHistory() []proto.InputFrame {
	return e.inputs.Pending()
}

// Reset clears every buffer and cursor on disconnect or match end.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.inputs.Reset()
	e.snapshots.Reset()
	e.predicted = NewWorld()
	e.confirmed = NewWorld()
	e.confirmedTick = 0
	e.history = make(map[uint64]World)
	e.policy = newResyncPolicy()
	e.blend = nil
	e.blendFactor = 0
	e.errX, e.errY = 0, 0
	e.mu.Unlock()
}

func (e *Engine) reconcileLocked(world World, mismatch bool) error {
	tick := world.Tick
	e.inputs.DropThrough(tick)
	for t := range e.history {
		if t < tick {
			delete(e.history, t)
		}
	}

	var pendingAhead uint64
	if e.predicted.Tick > tick {
		pendingAhead = e.predicted.Tick - tick
	}
	if pendingAhead > uint64(e.cfg.RollbackWindow) {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.Add(metricWindowExceeded, 1)
		}
		e.policy.force("rollback_window", fmt.Sprintf("ahead=%d window=%d", pendingAhead, e.cfg.RollbackWindow))
		e.publishLocked(EventWindowExceeded, logging.SeverityWarn, tick, map[string]any{"ahead": pendingAhead})
		e.adoptAuthoritativeLocked(world)
		e.maybeResyncLocked()
		return ErrRollbackWindowExceeded
	}

	diverged := mismatch
	if !diverged {
		if predictedAt, ok := e.history[tick]; ok {
			diverged = e.divergedLocked(predictedAt, world)
		} else if e.predicted.Tick == tick {
			diverged = e.divergedLocked(e.predicted, world)
		}
	}
	if !diverged {
		delete(e.history, tick)
		if mismatch {
			return ErrChecksumMismatch
		}
		return nil
	}

	e.rollbackLocked(world)
	if mismatch {
		return ErrChecksumMismatch
	}
	return nil
}

// rollbackLocked reverts to the authoritative world and re-simulates the
// remaining buffered input on top of it, remembering the render-space error
// so the correction can be blended out instead of snapping.
func (e *Engine) rollbackLocked(world World) {
	var oldX, oldY float64
	hadLocal := false
	if ent, ok := e.predicted.Entities[e.localID]; ok {
		oldX, oldY = ent.X, ent.Y
		hadLocal = true
	}

	e.predicted = world.Clone()
	for _, frame := range e.inputs.Pending() {
		e.predicted = e.stepper.Step(e.predicted, frame, e.tickSeconds)
		e.history[frame.Tick] = e.predicted
	}

	if hadLocal {
		if ent, ok := e.predicted.Entities[e.localID]; ok {
			e.errX = oldX - ent.X
			e.errY = oldY - ent.Y
			if e.errX != 0 || e.errY != 0 {
				e.blend = gween.New(1, 0, float32(e.cfg.BlendDuration.Seconds()), ease.OutQuad)
				e.blendFactor = 1
			}
		}
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Add(metricRollbacks, 1)
	}
	e.publishLocked(EventRollback, logging.SeverityInfo, world.Tick, map[string]any{
		"replayed": e.inputs.Len(),
	})
}

func (e *Engine) adoptAuthoritativeLocked(world World) {
	e.predicted = world.Clone()
	e.inputs.Reset()
	e.history = make(map[uint64]World)
	e.errX, e.errY = 0, 0
	e.blend = nil
	e.blendFactor = 0
}

func (e *Engine) divergedLocked(predicted, authoritative World) bool {
	ent, ok := authoritative.Entities[e.localID]
	if !ok {
		return false
	}
	mine, ok := predicted.Entities[e.localID]
	if !ok {
		return true
	}
	return math.Abs(mine.X-ent.X) > e.cfg.DivergenceTolerance ||
		math.Abs(mine.Y-ent.Y) > e.cfg.DivergenceTolerance
}

func (e *Engine) maybeResyncLocked() {
	signal, ok := e.policy.consume()
	if !ok {
		return
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Add(metricResyncRequests, 1)
	}
	e.publishLocked(EventResyncRequest, logging.SeverityWarn, e.confirmedTick, map[string]any{
		"summary": signal.summary(),
	})
	if e.send == nil {
		return
	}
	env, err := proto.NewEnvelope(proto.TypeResyncRequest, e.localID, proto.ResyncRequest{
		FromTick: e.confirmedTick,
		Reason:   signal.summary(),
	})
	if err != nil {
		return
	}
	e.send.Send(env)
}

func (e *Engine) pruneHistoryLocked() {
	if len(e.history) <= e.cfg.RollbackWindow*2 {
		return
	}
	floor := e.predicted.Tick - uint64(e.cfg.RollbackWindow*2)
	for t := range e.history {
		if t < floor {
			delete(e.history, t)
		}
	}
}

func (e *Engine) publishLocked(eventType logging.EventType, severity logging.Severity, tick uint64, extra map[string]any) {
	e.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: e.localID, Kind: logging.EntityKindPeer},
		Severity: severity,
		Category: logging.CategorySync,
		Extra:    extra,
	})
}

func lerpEntity(a, b proto.EntityState, alpha float64) proto.EntityState {
	out := b
	out.X = a.X + (b.X-a.X)*alpha
	out.Y = a.Y + (b.Y-a.Y)*alpha
	out.VX = a.VX + (b.VX-a.VX)*alpha
	out.VY = a.VY + (b.VY-a.VY)*alpha
	return out
}
