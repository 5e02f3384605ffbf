package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := New("embedder", WithMaxFailures(3), WithResetTimeout(time.Second))

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errors.New("boom") })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerRecoversAfterResetTimeout(t *testing.T) {
	b := New("embedder", WithMaxFailures(2), WithResetTimeout(30*time.Millisecond))

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	executed := false
	err := b.Execute(func() error {
		executed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New("embedder", WithMaxFailures(1), WithResetTimeout(20*time.Millisecond))

	_ = b.Execute(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	err := b.Execute(func() error { return errors.New("still broken") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestExecuteWithResultFallsBackWhenOpen(t *testing.T) {
	b := New("embedder", WithMaxFailures(1), WithResetTimeout(time.Hour))
	_ = b.Execute(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	result, err := ExecuteWithResult(b,
		func() ([]float32, error) { return []float32{1}, nil },
		func() ([]float32, error) { return nil, errors.New("fallback") },
	)
	require.Error(t, err)
	assert.Nil(t, result)
}
