package p2p

import "time"

// PollInterval is how long poll loops sleep between attempts.
const PollInterval = 10 * time.Millisecond

// WaitTimer bounds a poll loop. A zero duration means "try once, don't wait".
type WaitTimer struct {
	start time.Time
	wait  time.Duration
}

func NewWaitTimer(wait time.Duration) WaitTimer {
	return WaitTimer{start: time.Now(), wait: wait}
}

func (t WaitTimer) ShouldKeepWaiting() bool {
	return t.wait > 0 && time.Since(t.start) < t.wait
}

// Remaining is the time left before the timer expires, never negative.
func (t WaitTimer) Remaining() time.Duration {
	if t.wait <= 0 {
		return 0
	}
	if r := t.wait - time.Since(t.start); r > 0 {
		return r
	}
	return 0
}

// PollUntil calls try until it succeeds or wait elapses, sleeping
// PollInterval between attempts.
func PollUntil(wait time.Duration, try func() bool) bool {
	t := NewWaitTimer(wait)
	for {
		if try() {
			return true
		}
		if !t.ShouldKeepWaiting() {
			return false
		}
		time.Sleep(min(PollInterval, t.Remaining()))
	}
}
