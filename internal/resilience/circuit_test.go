package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingCall(ctx context.Context) error { return eris.New("upstream down") }

func okCall(ctx context.Context) error { return nil }

func TestCircuitOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, failingCall))
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, okCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))
	require.NoError(t, cb.Execute(ctx, okCall))

	failures, state := cb.Counters()
	assert.Zero(t, failures)
	assert.Equal(t, CircuitClosed, state)
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }

	require.Error(t, cb.Execute(ctx, failingCall))
	require.ErrorIs(t, cb.Execute(ctx, okCall), ErrCircuitOpen)

	// After the reset timeout a probe is allowed; success closes the circuit.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, okCall))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }

	require.Error(t, cb.Execute(ctx, failingCall))

	now = now.Add(2 * time.Minute)
	require.Error(t, cb.Execute(ctx, failingCall))
	assert.ErrorIs(t, cb.Execute(ctx, okCall), ErrCircuitOpen)
}

func TestCircuitShouldTripFilters(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})

	// Permanent errors pass through without tripping.
	err := cb.Execute(ctx, func(ctx context.Context) error {
		return Classify(KindPermanent, eris.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())

	err = cb.Execute(ctx, func(ctx context.Context) error {
		return Classify(KindTransient, eris.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitStateChangeCallbackAndReset(t *testing.T) {
	ctx := context.Background()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	require.Error(t, cb.Execute(ctx, failingCall))
	cb.Reset()

	assert.Equal(t, []string{"closed>open", "open>closed"}, transitions)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitExecuteVal(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	v, err := ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 0, eris.New("boom") })
	require.Error(t, err)

	_, err = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 9, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
