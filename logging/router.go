package logging

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type sinkWorker struct {
	name  string
	sink  Sink
	queue chan Event
	done  chan struct{}
}

// Router fans events out to the enabled sinks from a buffered queue. Publish
// never blocks the caller; events beyond the buffer are counted and dropped.
type Router struct {
	cfg         Config
	queue       chan Event
	sinks       []*sinkWorker
	clock       Clock
	fallback    *log.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	closed      atomic.Bool
	minSeverity Severity
	fields      map[string]any
	wg          sync.WaitGroup

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	lastDropLog  atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
}

// NewRouter constructs a router for the named sinks enabled in cfg and starts
// its dispatch workers.
func NewRouter(clock Clock, cfg Config, sinks map[string]Sink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, bufferSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		ctx:         ctx,
		cancel:      cancel,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
	}

	sinkBuffer := bufferSize
	if sinkBuffer > 1024 {
		sinkBuffer = 1024
	}
	if sinkBuffer < 32 {
		sinkBuffer = 32
	}

	for _, name := range cfg.EnabledSinks {
		sink, ok := sinks[name]
		if !ok || sink == nil {
			cancel()
			return nil, errors.New("logging: sink not provided: " + name)
		}
		worker := &sinkWorker{
			name:  name,
			sink:  sink,
			queue: make(chan Event, sinkBuffer),
			done:  make(chan struct{}),
		}
		r.sinks = append(r.sinks, worker)
		go worker.run(r.fallback)
	}

	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

// Publish implements Publisher. Events below the minimum severity are skipped.
func (r *Router) Publish(_ context.Context, event Event) {
	if r == nil || r.closed.Load() {
		return
	}
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if len(r.fields) > 0 {
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	select {
	case r.queue <- event:
		r.eventsTotal.Add(1)
	default:
		r.noteDrop()
	}
}

// Stats reports accepted and dropped totals.
func (r *Router) Stats() RouterStats {
	if r == nil {
		return RouterStats{}
	}
	return RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
}

// Close drains pending events and shuts down every sink.
func (r *Router) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.closed.Swap(true) {
		return nil
	}
	close(r.queue)
	r.wg.Wait()
	r.cancel()

	var firstErr error
	for _, worker := range r.sinks {
		close(worker.queue)
		select {
		case <-worker.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	for event := range r.queue {
		for _, worker := range r.sinks {
			select {
			case worker.queue <- event:
			default:
				r.noteDrop()
			}
		}
	}
}

func (r *Router) noteDrop() {
	r.droppedTotal.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		return
	}
	now := r.clock.Now().UnixNano()
	last := r.lastDropLog.Load()
	if now-last < interval.Nanoseconds() {
		return
	}
	if r.lastDropLog.CompareAndSwap(last, now) {
		r.fallback.Printf("dropping events, total dropped=%d", r.droppedTotal.Load())
	}
}

func (w *sinkWorker) run(fallback *log.Logger) {
	defer close(w.done)
	for event := range w.queue {
		if err := w.sink.Write(event); err != nil {
			fallback.Printf("sink %s write failed: %v", w.name, err)
		}
	}
}
