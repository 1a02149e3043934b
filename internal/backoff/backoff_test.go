package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDoublesUpToCap(t *testing.T) {
	b := New(Policy{Initial: 5 * time.Second, Max: 60 * time.Second, Factor: 2})

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.Next(), "delay %d", i)
	}
	assert.Equal(t, len(expected), b.Attempts())
}

func TestResetRestoresInitialDelay(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: time.Minute, Factor: 2})

	b.Next()
	b.Next()
	require.Equal(t, 2, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, time.Second, b.Next())
}

func TestExhausted(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Second, Factor: 2, MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		assert.False(t, b.Exhausted())
		b.Next()
	}
	assert.True(t, b.Exhausted())

	b.Reset()
	assert.False(t, b.Exhausted())
}

func TestUnlimitedAttemptsNeverExhaust(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Second, Factor: 2})

	for i := 0; i < 100; i++ {
		b.Next()
	}
	assert.False(t, b.Exhausted())
}

func TestFactorDefaultsToTwo(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: time.Minute})

	b.Next()
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestSleepObservesCancellation(t *testing.T) {
	b := New(Policy{Initial: time.Hour, Max: time.Hour, Factor: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Sleep(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepCompletes(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2})

	require.NoError(t, b.Sleep(context.Background()))
}
