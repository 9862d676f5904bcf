package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fast() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fast()
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(), func() error {
		calls++
		return errTransient
	})
	assert.Equal(t, 3, calls)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, errTransient)
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("syntax error")
	err := Do(context.Background(), fast(), func() error {
		calls++
		return NonRetryable(fatal)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, fatal)
	assert.Nil(t, NonRetryable(nil))
}

func TestCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Hour}
	cfg.OnRetry = func(int, error) { cancel() }
	err := Do(ctx, cfg, func() error { return errTransient })
	assert.ErrorIs(t, err, errTransient)
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fast(), func() (int64, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}
