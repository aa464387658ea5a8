package distfs

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff spaces out retransmission requests so that many workers missing
// the same chunk do not all ask at once.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// Jitter is the +/- fraction applied to every delay.
	Jitter float64
}

var DefaultBackoff = Backoff{
	Base:   200 * time.Millisecond,
	Factor: 2,
	Max:    5 * time.Second,
	Jitter: 0.25,
}

// Schedule returns a fresh delay sequence for one file. It never gives up.
func (b Backoff) Schedule() *backoff.ExponentialBackOff {
	s := backoff.NewExponentialBackOff()
	s.InitialInterval = b.Base
	s.Multiplier = b.Factor
	s.MaxInterval = b.Max
	s.RandomizationFactor = b.Jitter
	s.MaxElapsedTime = 0
	s.Reset()
	return s
}
