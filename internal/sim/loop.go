package sim

import (
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/telemetry"
	"github.com/ahump20/Sandlot-Sluggers-sub000/logging"
)

// LoopConfig tunes the fixed-timestep tick loop.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
}

// TickContext carries the timing inputs for a single tick.
type TickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// StepResult reports timing bookkeeping for a completed tick.
type StepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	MaxDelta     float64
}

// LoopHooks let the owner observe and drive each tick. Step is the only
// required hook; it performs the per-tick work while the loop owns timing.
type LoopHooks struct {
	Prepare   func(TickContext)
	Step      func(TickContext)
	AfterStep func(StepResult)
	NextTick  func() uint64
}

// Loop drives hooks at a fixed tick rate with clamped catch-up. The loop
// never does domain work itself; everything happens inside the hooks so a
// test can call Advance directly with synthetic timing.
type Loop struct {
	config LoopConfig
	hooks  LoopHooks
	clock  logging.Clock
	logger telemetry.Logger

	tick uint64
}

// NewLoop builds a loop around the given hooks.
func NewLoop(cfg LoopConfig, hooks LoopHooks, clock logging.Clock, logger telemetry.Logger) *Loop {
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Loop{config: cfg, hooks: hooks, clock: clock, logger: logger}
}

// Advance executes a single tick with the provided timing.
func (l *Loop) Advance(ctx TickContext) StepResult {
	if l == nil {
		return StepResult{}
	}
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(ctx)
	}
	start := l.clock.Now()
	if l.hooks.Step != nil {
		l.hooks.Step(ctx)
	}
	return StepResult{
		Tick:     ctx.Tick,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Duration: l.clock.Now().Sub(start),
	}
}

// Run drives the fixed-timestep loop until the stop channel closes. Wall
// clock deltas are clamped to CatchupMaxTicks budgets so a stalled host
// cannot trigger a burst of catch-up ticks.
func (l *Loop) Run(stop <-chan struct{}) {
	if l == nil {
		return
	}
	tickRate := l.config.TickRate
	if tickRate <= 0 {
		tickRate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	last := l.clock.Now()
	budgetSeconds := 1.0 / float64(tickRate)
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}
	budgetDuration := time.Second / time.Duration(tickRate)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := l.clock.Now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			var tick uint64
			if l.hooks.NextTick != nil {
				tick = l.hooks.NextTick()
			} else {
				l.tick++
				tick = l.tick
			}

			result := l.Advance(TickContext{Tick: tick, Now: now, Delta: dt})
			result.Budget = budgetDuration
			result.ClampedDelta = clamped
			result.MaxDelta = maxDt

			if clamped && l.logger != nil {
				l.logger.Printf("[loop] clamped tick=%d dt=%.3fs max=%.3fs", tick, dt, maxDt)
			}
			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}
