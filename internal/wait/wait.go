// Package wait polls a condition against live page state until it holds or a
// deadline passes. It is the only place in flowcheck that suspends.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	k8swait "k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Outcome labels reported to an Observer.
const (
	OutcomeSatisfied = "satisfied"
	OutcomeTimeout   = "timeout"
	OutcomeAborted   = "aborted"
)

// ErrTimeout is matched by errors.Is for every TimeoutError.
var ErrTimeout = errors.New("condition not met before deadline")

// TimeoutError reports a condition that never held. LastErr is the most
// recent error the condition returned while it was being retried.
type TimeoutError struct {
	Condition string
	Elapsed   time.Duration
	Timeout   time.Duration
	LastErr   error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.Elapsed.Round(time.Millisecond), e.Condition)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-transient: returning it from a Condition ends
// the wait immediately with err instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Condition inspects the page. ok=false means "not yet"; a plain error is
// treated the same way and remembered for the timeout report.
type Condition[T any] func(ctx context.Context) (value T, ok bool, err error)

// Observer receives one sample per finished wait.
type Observer interface {
	ObserveWait(outcome string, elapsed time.Duration)
}

// Waiter carries the default timing and reporting for every wait in a session.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
	logger   logrus.FieldLogger
	observer Observer
}

// New returns a Waiter. Non-positive durations fall back to the defaults.
func New(timeout, interval time.Duration, logger logrus.FieldLogger, observer Observer) *Waiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Waiter{
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		observer: observer,
	}
}

// Timeout returns the default deadline.
func (w *Waiter) Timeout() time.Duration { return w.timeout }

// PollInterval returns the delay between evaluations.
func (w *Waiter) PollInterval() time.Duration { return w.interval }

// Logger returns the waiter's logger.
func (w *Waiter) Logger() logrus.FieldLogger { return w.logger }

// Until waits for a boolean condition using the default timeout.
func (w *Waiter) Until(ctx context.Context, description string, cond func(ctx context.Context) (bool, error)) error {
	_, err := For(ctx, w, description, 0, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := cond(ctx)
		return struct{}{}, ok, err
	})
	return err
}

// For evaluates cond immediately and then once per poll interval until it
// yields a value or timeout passes. A zero timeout uses the waiter default.
// The first success is returned as is; there is no settling period.
func For[T any](ctx context.Context, w *Waiter, description string, timeout time.Duration, cond Condition[T]) (T, error) {
	if timeout <= 0 {
		timeout = w.timeout
	}
	log := w.logger.WithField("condition", description)

	var (
		value   T
		lastErr error
		fatal   error
		polls   int
	)
	start := time.Now()

	err := k8swait.PollUntilContextTimeout(ctx, w.interval, timeout, true, func(ctx context.Context) (bool, error) {
		polls++
		v, ok, err := cond(ctx)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				fatal = perm.err
				return false, perm
			}
			lastErr = err
			log.WithError(err).Debug("condition errored, retrying")
			return false, nil
		}
		if ok {
			value = v
		}
		return ok, nil
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		log.WithFields(logrus.Fields{"elapsed": elapsed, "polls": polls}).Debug("condition satisfied")
		w.observe(OutcomeSatisfied, elapsed)
		return value, nil
	case fatal != nil:
		w.observe(OutcomeAborted, elapsed)
		return value, fmt.Errorf("waiting for %s: %w", description, fatal)
	case ctx.Err() != nil:
		w.observe(OutcomeAborted, elapsed)
		return value, fmt.Errorf("waiting for %s: %w", description, ctx.Err())
	case k8swait.Interrupted(err):
		log.WithFields(logrus.Fields{"elapsed": elapsed, "polls": polls}).Debug("condition timed out")
		w.observe(OutcomeTimeout, elapsed)
		return value, &TimeoutError{
			Condition: description,
			Elapsed:   elapsed,
			Timeout:   timeout,
			LastErr:   lastErr,
		}
	default:
		w.observe(OutcomeAborted, elapsed)
		return value, fmt.Errorf("waiting for %s: %w", description, err)
	}
}

func (w *Waiter) observe(outcome string, elapsed time.Duration) {
	if w.observer != nil {
		w.observer.ObserveWait(outcome, elapsed)
	}
}
