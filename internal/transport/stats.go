package transport

import (
	"math"
	"sync"
	"time"
)

// NetworkStats is the copy-out view of transient link quality.
type NetworkStats struct {
	RTTMillis       float64 `json:"rtt"`
	JitterMillis    float64 `json:"jitter"`
	LossPercent     float64 `json:"loss"`
	BandwidthBPS    float64 `json:"bandwidth"`
	PacketsSent     uint64  `json:"packetsSent"`
	PacketsReceived uint64  `json:"packetsReceived"`
}

const statsAlpha = 0.125

// statsTracker smooths link quality with EWMAs in the classic TCP style:
// srtt for round-trip, mean deviation for jitter. Loss is approximated from
// the retransmit share of reliable sends.
type statsTracker struct {
	mu sync.Mutex

	srtt   float64
	jitter float64

	reliableSent uint64
	retransmits  uint64

	packetsSent     uint64
	packetsReceived uint64

	windowStart time.Time
	windowBytes int
	bandwidth   float64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{}
}

// RecordRTT folds a fresh round-trip sample into the smoothed estimates.
func (s *statsTracker) RecordRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	ms := float64(rtt.Milliseconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srtt == 0 {
		s.srtt = ms
		s.jitter = ms / 2
		return
	}
	s.jitter = (1-statsAlpha)*s.jitter + statsAlpha*math.Abs(ms-s.srtt)
	s.srtt = (1-statsAlpha)*s.srtt + statsAlpha*ms
}

// RecordSent accounts an outbound frame against the bandwidth window.
func (s *statsTracker) RecordSent(bytes int, reliable bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetsSent++
	if reliable {
		s.reliableSent++
	}
	s.accountLocked(bytes, now)
}

// RecordRetransmit accounts a resend of an already-tracked reliable frame.
func (s *statsTracker) RecordRetransmit(bytes int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retransmits++
	s.accountLocked(bytes, now)
}

// RecordReceived accounts an inbound frame.
func (s *statsTracker) RecordReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetsReceived++
}

// Snapshot copies out the current estimates.
func (s *statsTracker) Snapshot() NetworkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	loss := 0.0
	if s.reliableSent > 0 {
		loss = 100 * float64(s.retransmits) / float64(s.reliableSent+s.retransmits)
	}
	return NetworkStats{
		RTTMillis:       s.srtt,
		JitterMillis:    s.jitter,
		LossPercent:     loss,
		BandwidthBPS:    s.bandwidth,
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsReceived,
	}
}

func (s *statsTracker) accountLocked(bytes int, now time.Time) {
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.windowBytes += bytes
	elapsed := now.Sub(s.windowStart)
	if elapsed >= time.Second {
		rate := float64(s.windowBytes) / elapsed.Seconds()
		if s.bandwidth == 0 {
			s.bandwidth = rate
		} else {
			s.bandwidth = (1-statsAlpha)*s.bandwidth + statsAlpha*rate
		}
		s.windowStart = now
		s.windowBytes = 0
	}
}
