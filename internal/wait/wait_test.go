package wait

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveWait(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func newTestWaiter(timeout, interval time.Duration, obs Observer) *Waiter {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(timeout, interval, logger, obs)
}

func TestForReturnsFirstSuccess(t *testing.T) {
	w := newTestWaiter(time.Second, 10*time.Millisecond, nil)

	calls := 0
	v, err := For(context.Background(), w, "third poll", 0, func(ctx context.Context) (int, bool, error) {
		calls++
		return calls * 10, calls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 30, v)
	assert.Equal(t, 3, calls)
}

func TestForEvaluatesImmediately(t *testing.T) {
	w := newTestWaiter(time.Second, time.Hour, nil)

	start := time.Now()
	v, err := For(context.Background(), w, "already true", 0, func(ctx context.Context) (string, bool, error) {
		return "ready", true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ready", v)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestForTimesOutWithinOneInterval(t *testing.T) {
	const (
		timeout  = 150 * time.Millisecond
		interval = 30 * time.Millisecond
	)
	w := newTestWaiter(timeout, interval, nil)

	start := time.Now()
	_, err := For(context.Background(), w, "never", 0, func(ctx context.Context) (bool, bool, error) {
		return false, false, nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "never", te.Condition)
	assert.Equal(t, timeout, te.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	// one interval plus scheduling slack
	assert.Less(t, elapsed, timeout+interval+100*time.Millisecond)
	assert.Contains(t, te.Error(), "never")
}

func TestForAbsorbsTransientErrors(t *testing.T) {
	w := newTestWaiter(time.Second, 5*time.Millisecond, nil)

	calls := 0
	v, err := For(context.Background(), w, "flaky", 0, func(ctx context.Context) (int, bool, error) {
		calls++
		if calls < 4 {
			return 0, false, errors.New("node detached")
		}
		return 7, true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestForTimeoutCarriesLastError(t *testing.T) {
	w := newTestWaiter(50*time.Millisecond, 10*time.Millisecond, nil)
	boom := errors.New("query failed")

	_, err := For(context.Background(), w, "always failing", 0, func(ctx context.Context) (int, bool, error) {
		return 0, false, boom
	})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, boom, te.LastErr)
	assert.Contains(t, err.Error(), "query failed")
}

func TestForPermanentAborts(t *testing.T) {
	w := newTestWaiter(time.Second, 5*time.Millisecond, nil)
	lost := errors.New("connection lost")

	calls := 0
	_, err := For(context.Background(), w, "aborting", 0, func(ctx context.Context) (int, bool, error) {
		calls++
		return 0, false, Permanent(lost)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, lost)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, calls)
}

func TestForRespectsParentCancellation(t *testing.T) {
	w := newTestWaiter(time.Minute, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := For(ctx, w, "cancelled", 0, func(ctx context.Context) (int, bool, error) {
		return 0, false, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestForExplicitTimeoutOverridesDefault(t *testing.T) {
	w := newTestWaiter(time.Minute, 5*time.Millisecond, nil)

	start := time.Now()
	_, err := For(context.Background(), w, "short", 40*time.Millisecond, func(ctx context.Context) (int, bool, error) {
		return 0, false, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUntilAndObserver(t *testing.T) {
	obs := &recordingObserver{}
	w := newTestWaiter(40*time.Millisecond, 5*time.Millisecond, obs)

	require.NoError(t, w.Until(context.Background(), "true", func(ctx context.Context) (bool, error) {
		return true, nil
	}))
	assert.ErrorIs(t, w.Until(context.Background(), "false", func(ctx context.Context) (bool, error) {
		return false, nil
	}), ErrTimeout)

	assert.Equal(t, []string{OutcomeSatisfied, OutcomeTimeout}, obs.outcomes)
}

func TestNewDefaults(t *testing.T) {
	w := New(0, 0, nil, nil)
	assert.Equal(t, DefaultTimeout, w.Timeout())
	assert.Equal(t, DefaultPollInterval, w.PollInterval())
	assert.NotNil(t, w.Logger())
}
