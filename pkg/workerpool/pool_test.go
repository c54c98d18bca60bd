package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, nil)
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestRunAll(t *testing.T) {
	p := newPool(t, Config{Workers: 4, QueueSize: 4, RetryDelay: time.Millisecond})

	var ran int64
	jobs := make([]Job, 20)
	for i := range jobs {
		i := i
		jobs[i] = Job{ID: fmt.Sprint(i), Run: func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			if i == 7 {
				return errors.New("boom")
			}
			return nil
		}}
	}

	errs := p.RunAll(context.Background(), jobs)
	require.Len(t, errs, 20)
	for i, err := range errs {
		if i == 7 {
			assert.Error(t, err)
			continue
		}
		assert.NoError(t, err, "job %d", i)
	}

	stats := p.Stats()
	assert.EqualValues(t, 20, stats.Submitted)
	assert.EqualValues(t, 19, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.True(t, p.IsHealthy())
}

func TestRetriesUntilSuccess(t *testing.T) {
	p := newPool(t, Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond})

	var calls int32
	done, err := p.Submit(context.Background(), Job{ID: "flaky", Run: func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	require.NoError(t, err)
	assert.NoError(t, <-done)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 2, p.Stats().Retried)
}

func TestRetryBudgetExhausted(t *testing.T) {
	p := newPool(t, Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond})

	cause := errors.New("smtp down")
	var calls int32
	done, err := p.Submit(context.Background(), Job{ID: "doomed", Run: func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return cause
	}})
	require.NoError(t, err)

	err = <-done
	assert.ErrorIs(t, err, cause)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	p := newPool(t, Config{
		Workers:    1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	})

	var calls int32
	done, err := p.Submit(context.Background(), Job{ID: "bad", Run: func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return permanent
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, permanent)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCancelledContextAbortsRetries(t *testing.T) {
	p := newPool(t, Config{Workers: 1, MaxRetries: 10, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done, err := p.Submit(ctx, Job{ID: "slow", Run: func(context.Context) error {
		close(started)
		return errors.New("fail")
	}})
	require.NoError(t, err)

	<-started
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Workers: 1}, nil)
	p.Start()
	require.NoError(t, p.Stop())

	_, err := p.Submit(context.Background(), Job{ID: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, p.Stop(), "stop is idempotent")
}

func TestSubmitRequiresRun(t *testing.T) {
	p := newPool(t, Config{Workers: 1})
	_, err := p.Submit(context.Background(), Job{ID: "empty"})
	assert.Error(t, err)
}
