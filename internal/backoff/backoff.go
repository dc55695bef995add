package backoff

import (
	"math"
	"time"
)

// Default policy values; applied when the corresponding field is zero.
const (
	DefaultBaseDelay = 30 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
	DefaultFactor    = 2
)

// Policy defines clamped exponential backoff parameters. The zero value is
// usable and falls back to the defaults above.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

// Delay returns the wait before the next automatic attempt after `failures`
// consecutive failures (1-based): min(Base * Factor^(failures-1), Max).
// No jitter; the schedule is deterministic.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	factor := p.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(failures-1)))
	if d > max || d <= 0 {
		d = max
	}
	return d
}
