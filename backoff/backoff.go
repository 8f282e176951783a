// Package backoff implements the exponential-backoff-with-jitter strategy
// used by the client channel for connect retries and for the delay after a
// GOAWAY-induced close, per spec §4.R.
package backoff

import (
	"math/rand"
	"time"
)

// Config defines the parameters for the backoff strategy.
type Config struct {
	// BaseDelay is the amount of time to wait before retrying the first
	// failed attempt (D0).
	BaseDelay time.Duration
	// Multiplier is the factor by which the backoff delay increases (m).
	Multiplier float64
	// Jitter is the factor by which the applied delay is randomized (J).
	Jitter float64
	// MaxDelay is the upper bound of the backoff delay (Dmax).
	MaxDelay time.Duration
}

// DefaultConfig matches the defaults named in spec §4.R.
var DefaultConfig = Config{
	BaseDelay:  1 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

// Strategy computes a sequence of backoff delays. It is not safe for
// concurrent use; each in-flight connect attempt owns its own Strategy.
type Strategy struct {
	cfg  Config
	rand *rand.Rand
	// last is the previous *raw* (pre-jitter) delay, or 0 before the first
	// call to Backoff.
	last time.Duration
}

// New returns a Strategy for cfg. A zero-value Config is replaced with
// DefaultConfig.
func New(cfg Config) *Strategy {
	if cfg == (Config{}) {
		cfg = DefaultConfig
	}
	return &Strategy{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Backoff returns the delay to apply before the retry numbered retries
// (0-indexed: the first retry, i.e. the second overall connect attempt,
// uses retries=0 and always returns 0, per "the first connect attempt has
// no delay").
func (s *Strategy) Backoff(retries int) time.Duration {
	if retries <= 0 {
		s.last = 0
		return 0
	}
	var raw time.Duration
	if s.last <= 0 {
		raw = s.cfg.BaseDelay
	} else {
		raw = time.Duration(float64(s.last) * s.cfg.Multiplier)
	}
	if raw > s.cfg.MaxDelay {
		raw = s.cfg.MaxDelay
	}
	s.last = raw
	return s.jitter(raw)
}

func (s *Strategy) jitter(raw time.Duration) time.Duration {
	if s.cfg.Jitter <= 0 {
		return raw
	}
	delta := s.cfg.Jitter * float64(raw)
	// U[-J, J) applied multiplicatively: raw * (1 + U[-J, J))
	min := float64(raw) - delta
	max := float64(raw) + delta
	return time.Duration(min + (max-min)*s.rand.Float64())
}

// Reset clears the strategy's memory of the previous delay, so the next
// call to Backoff behaves as if it were the first retry again. Used after
// a successful connect.
func (s *Strategy) Reset() {
	s.last = 0
}
