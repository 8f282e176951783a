package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffFirstAttemptHasNoDelay(t *testing.T) {
	s := New(DefaultConfig)
	require.Equal(t, time.Duration(0), s.Backoff(0))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0, MaxDelay: time.Second}
	s := New(cfg)

	d1 := s.Backoff(1)
	assert.Equal(t, 100*time.Millisecond, d1)

	d2 := s.Backoff(2)
	assert.Equal(t, 200*time.Millisecond, d2)

	for i := 3; i < 10; i++ {
		d := s.Backoff(i)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
}

func TestBackoffJitterWithinBounds(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, Multiplier: 1.6, Jitter: 0.2, MaxDelay: 120 * time.Second}
	s := New(cfg)
	for i := 1; i < 20; i++ {
		d := s.Backoff(i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.MaxDelay*2)
	}
}

func TestResetRestartsSequence(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0, MaxDelay: time.Second}
	s := New(cfg)
	s.Backoff(1)
	s.Backoff(2)
	s.Reset()
	assert.Equal(t, 100*time.Millisecond, s.Backoff(1))
}
