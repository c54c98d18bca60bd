package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	cfg := DefaultConfig("smtp")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestHalfOpenRecovers(t *testing.T) {
	cfg := DefaultConfig("smtp")
	cfg.FailureThreshold = 1
	cfg.Timeout = 10 * time.Millisecond
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsSuccessfulIgnoresClientErrors(t *testing.T) {
	badAddress := errors.New("mailbox unavailable")
	cfg := DefaultConfig("smtp")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, badAddress) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return badAddress })
		assert.ErrorIs(t, err, badAddress)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateValue(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Value())
	assert.Equal(t, 1.0, StateHalfOpen.Value())
	assert.Equal(t, 2.0, StateOpen.Value())
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
