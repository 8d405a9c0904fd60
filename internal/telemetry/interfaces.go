package telemetry

import (
	"log"
	"sort"
	"sync"
)

// Logger exposes the logging capabilities required by netcode components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// Metrics exposes the counter/gauge methods required by netcode components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// Recorder is a concurrency-safe in-memory Metrics implementation.
type Recorder struct {
	mu     sync.Mutex
	values map[string]uint64
}

// NewRecorder constructs an empty metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{values: make(map[string]uint64)}
}

// Add increments the named counter by delta.
func (r *Recorder) Add(key string, delta uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] += delta
}

// Store overwrites the named gauge with value.
func (r *Recorder) Store(key string, value uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

// Value reports the current value for key, zero when unset.
func (r *Recorder) Value(key string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key]
}

// Keys returns the recorded metric names in sorted order.
func (r *Recorder) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.values))
	for key := range r.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies out every recorded metric.
func (r *Recorder) Snapshot() map[string]uint64 {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]uint64, len(r.values))
	for key, value := range r.values {
		copied[key] = value
	}
	return copied
}
