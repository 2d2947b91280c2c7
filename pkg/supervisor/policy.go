// Package supervisor wraps a transport with the per-upstream connection
// state machine: automatic reconnection with exponential backoff and jitter,
// health probing, and observable state transitions.
package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy defaults, applied field-by-field when an override leaves a field
// zero.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 1.5
	DefaultJitter       = 0.25
)

// Policy controls the reconnection schedule for one upstream.
type Policy struct {
	// MaxAttempts is the retry budget per disruption. Exhausting it moves
	// the connection to the failed state.
	MaxAttempts int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
	// Jitter perturbs each delay by up to this fraction of its value.
	Jitter float64
}

// DefaultPolicy returns the reconnection defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       DefaultJitter,
	}
}

// withDefaults fills zero fields from the defaults. Jitter is taken as-is:
// zero jitter is a valid (deterministic) setting.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// newBackOff builds the delay source for one disruption. Retry n (0-indexed)
// waits min(MaxDelay, InitialDelay × Multiplier^n), perturbed by ±Jitter.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.Reset()
	return bo
}
