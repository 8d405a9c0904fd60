package sim

import (
	"sync"
	"time"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

const (
	snapshotBufferLenMetricKey   = "sim_snapshot_buffer_len"
	snapshotBufferStaleMetricKey = "sim_snapshot_buffer_stale_total"
)

// SnapshotEntry pairs a materialized full snapshot with its server timestamp.
type SnapshotEntry struct {
	Snapshot   proto.StateSnapshot
	ServerTime int64
	ReceivedAt time.Time
}

// SnapshotBuffer retains the last N confirmed snapshots ordered by tick.
// Entries are strictly increasing in tick; the oldest entry is evicted first
// when capacity is exceeded.
type SnapshotBuffer struct {
	mu       sync.Mutex
	entries  []SnapshotEntry
	capacity int
	metrics  bufferMetrics
}

// NewSnapshotBuffer constructs a buffer holding up to capacity snapshots.
func NewSnapshotBuffer(capacity int, metrics bufferMetrics) *SnapshotBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &SnapshotBuffer{
		entries:  make([]SnapshotEntry, 0, capacity),
		capacity: capacity,
		metrics:  metrics,
	}
}

// Push appends a snapshot, rejecting ticks that do not advance past the
// newest entry.
func (b *SnapshotBuffer) Push(entry SnapshotEntry) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.entries); n > 0 && entry.Snapshot.Tick <= b.entries[n-1].Snapshot.Tick {
		if b.metrics != nil {
			b.metrics.Add(snapshotBufferStaleMetricKey, 1)
		}
		return false
	}
	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:b.capacity-1]
	}
	b.entries = append(b.entries, entry)
	if b.metrics != nil {
		b.metrics.Store(snapshotBufferLenMetricKey, uint64(len(b.entries)))
	}
	return true
}

// At looks up the snapshot for an exact tick.
func (b *SnapshotBuffer) At(tick uint64) (SnapshotEntry, bool) {
	if b == nil {
		return SnapshotEntry{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].Snapshot.Tick == tick {
			return b.entries[i], true
		}
		if b.entries[i].Snapshot.Tick < tick {
			break
		}
	}
	return SnapshotEntry{}, false
}

// Latest reports the newest buffered snapshot.
func (b *SnapshotBuffer) Latest() (SnapshotEntry, bool) {
	if b == nil {
		return SnapshotEntry{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return SnapshotEntry{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Oldest reports the oldest buffered snapshot.
func (b *SnapshotBuffer) Oldest() (SnapshotEntry, bool) {
	if b == nil {
		return SnapshotEntry{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return SnapshotEntry{}, false
	}
	return b.entries[0], true
}

// Bracket locates the pair of snapshots whose server times surround target.
// When target precedes the buffer the oldest pair is returned; when it is
// past the newest entry ok is false and the caller extrapolates.
func (b *SnapshotBuffer) Bracket(target int64) (before, after SnapshotEntry, ok bool) {
	if b == nil {
		return SnapshotEntry{}, SnapshotEntry{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	if n < 2 {
		return SnapshotEntry{}, SnapshotEntry{}, false
	}
	if target >= b.entries[n-1].ServerTime {
		return SnapshotEntry{}, SnapshotEntry{}, false
	}
	for i := n - 1; i > 0; i-- {
		if b.entries[i-1].ServerTime <= target {
			return b.entries[i-1], b.entries[i], true
		}
	}
	return b.entries[0], b.entries[1], true
}

// Len reports the number of buffered snapshots.
func (b *SnapshotBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Reset clears the buffer.
func (b *SnapshotBuffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	if b.metrics != nil {
		b.metrics.Store(snapshotBufferLenMetricKey, 0)
	}
}
