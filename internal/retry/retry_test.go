package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires immediately and records every requested wait.
type instantTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestDo_SucceedsAfterFailures(t *testing.T) {
	timer := &instantTimer{}
	got, attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, Backoff: 2 * time.Second}, Options{Timer: timer},
		func(_ context.Context, attempt int) (string, error) {
			if attempt < 3 {
				return "", errors.New("not yet")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, timer.waits)
}

func TestDo_Exhausted(t *testing.T) {
	timer := &instantTimer{}
	boom := errors.New("boom")
	var notified []int
	_, attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, Backoff: time.Second},
		Options{Timer: timer, Notify: func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) }},
		func(context.Context, int) (int, error) { return 0, boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
	assert.Len(t, timer.waits, 2, "no wait after the last attempt")
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_Permanent(t *testing.T) {
	timer := &instantTimer{}
	fatal := errors.New("fatal")
	_, attempts, err := Do(context.Background(), Policy{MaxAttempts: 5, Backoff: time.Second}, Options{Timer: timer},
		func(context.Context, int) (int, error) { return 0, Permanent(fatal) })

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, timer.waits)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), Policy{}, Options{Timer: &instantTimer{}},
		func(context.Context, int) (int, error) { calls++; return 0, errors.New("x") })

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, attempts, err := Do(ctx, Policy{MaxAttempts: 3}, Options{Timer: &instantTimer{}},
		func(context.Context, int) (int, error) { calls++; return 1, nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
	assert.Zero(t, attempts)
}

func TestDo_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	_, attempts, err := Do(ctx, Policy{MaxAttempts: 3, Backoff: time.Hour}, Options{},
		func(context.Context, int) (int, error) {
			cancel()
			return 0, errors.New("transient")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait(t *testing.T) {
	timer := &instantTimer{}
	require.NoError(t, Wait(context.Background(), timer, time.Second))
	assert.Equal(t, []time.Duration{time.Second}, timer.waits)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, nil, time.Hour), context.Canceled)
}
