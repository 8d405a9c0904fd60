package session

import "time"

// BackoffConfig shapes reconnection delays: Base doubled per attempt up to
// Max, giving up after MaxAttempts.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b BackoffConfig) normalized() BackoffConfig {
	out := b
	if out.Base <= 0 {
		out.Base = 500 * time.Millisecond
	}
	if out.Max <= 0 {
		out.Max = 8 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 6
	}
	return out
}

// Delay reports the wait before the given attempt, 1-based.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
