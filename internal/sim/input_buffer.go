package sim

import (
	"sync"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

const (
	inputBufferOccupancyMetricKey = "sim_input_buffer_occupancy"
	inputBufferOverflowMetricKey  = "sim_input_buffer_overflow_total"
	inputBufferStaleTickMetricKey = "sim_input_buffer_stale_tick_total"
)

type bufferMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// InputBuffer stores unconfirmed local input frames in a fixed-size ring,
// ordered by tick. Frames stay buffered until the server confirms their tick.
// The tick invariant holds by construction: a frame whose tick is not
// strictly greater than the newest buffered tick is rejected, so the buffer
// never holds two frames with the same tick.
type InputBuffer struct {
	mu       sync.Mutex
	data     []proto.InputFrame
	head     int
	tail     int
	count    int
	lastTick uint64
	metrics  bufferMetrics
}

// NewInputBuffer constructs a ring buffer with the provided capacity.
func NewInputBuffer(capacity int, metrics bufferMetrics) *InputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &InputBuffer{
		data:    make([]proto.InputFrame, capacity),
		metrics: metrics,
	}
}

// Capacity reports the maximum number of frames the buffer can hold.
func (b *InputBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages a frame, returning false when the buffer is full or the tick
// does not advance.
func (b *InputBuffer) Push(frame proto.InputFrame) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if frame.Tick <= b.lastTick {
		if b.metrics != nil {
			b.metrics.Add(inputBufferStaleTickMetricKey, 1)
		}
		return false
	}
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(inputBufferOverflowMetricKey, 1)
		}
		return false
	}
	b.data[b.tail] = frame
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.lastTick = frame.Tick
	b.storeOccupancyLocked()
	return true
}

// DropThrough discards frames whose tick is at or below the confirmed tick,
// reporting how many were removed.
func (b *InputBuffer) DropThrough(tick uint64) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for b.count > 0 {
		if b.data[b.head].Tick > tick {
			break
		}
		b.data[b.head] = proto.InputFrame{}
		b.head = (b.head + 1) % len(b.data)
		b.count--
		dropped++
	}
	b.storeOccupancyLocked()
	return dropped
}

// Pending copies out the buffered frames in tick order.
func (b *InputBuffer) Pending() []proto.InputFrame {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	frames := make([]proto.InputFrame, b.count)
	for i := 0; i < b.count; i++ {
		frames[i] = b.data[(b.head+i)%len(b.data)]
	}
	return frames
}

// Len reports the number of buffered frames.
func (b *InputBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// LastTick reports the newest buffered tick, zero when empty history.
func (b *InputBuffer) LastTick() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTick
}

// Reset clears the buffer and the tick cursor.
func (b *InputBuffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = proto.InputFrame{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.lastTick = 0
	b.storeOccupancyLocked()
}

func (b *InputBuffer) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(inputBufferOccupancyMetricKey, uint64(b.count))
}
