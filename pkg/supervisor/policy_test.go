package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BackoffMonotonicity(t *testing.T) {
	p := Policy{
		MaxAttempts:  10,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.5,
		Jitter:       0,
	}

	bo := p.newBackOff()

	want := []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
	}
	for i, w := range want {
		got := bo.NextBackOff()
		assert.Equal(t, w, got, "delay %d", i)
	}

	// Growth caps at MaxDelay.
	for i := 0; i < 20; i++ {
		got := bo.NextBackOff()
		assert.LessOrEqual(t, got, 5*time.Second, "delay %d exceeds cap", i+3)
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       0.25,
	}

	bo := p.newBackOff()
	first := bo.NextBackOff()
	require.GreaterOrEqual(t, first, 750*time.Millisecond)
	require.LessOrEqual(t, first, 1250*time.Millisecond)
}

func TestPolicy_Reset(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0}

	bo := p.newBackOff()
	require.Equal(t, 100*time.Millisecond, bo.NextBackOff())
	require.Equal(t, 200*time.Millisecond, bo.NextBackOff())

	bo.Reset()
	require.Equal(t, 100*time.Millisecond, bo.NextBackOff())
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, p.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, DefaultMultiplier, p.Multiplier)
	assert.Equal(t, 0.0, p.Jitter)

	// Explicit values survive.
	p = Policy{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3, Jitter: 0.5}.withDefaults()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, 0.5, p.Jitter)
}
