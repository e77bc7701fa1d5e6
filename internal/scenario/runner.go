package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/profile"
	"github.com/ahrdadan/flowcheck/internal/window"
)

// DefaultScenarioTimeout bounds a single scenario when the runner has none.
const DefaultScenarioTimeout = 2 * time.Minute

// Runner executes scenarios one after another over a single driver.
type Runner struct {
	Driver  browser.Driver
	Profile *profile.Profile
	Options Options
	// ScenarioTimeout bounds each scenario; zero means DefaultScenarioTimeout.
	ScenarioTimeout time.Duration
	// RunID is attached to every log line when set.
	RunID string
	// OnResult, when set, is called after each scenario with its result.
	OnResult func(Result)
}

// Run executes scenarios in order and aggregates their verdicts. Scenarios
// do not stop each other: a failure or error is recorded and the next one
// starts from the windows the run began with. Cancelling ctx marks the remaining
// scenarios as errored.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) *Report {
	logger := r.Options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if r.RunID != "" {
		logger = logger.WithField("run_id", r.RunID)
	}
	timeout := r.ScenarioTimeout
	if timeout <= 0 {
		timeout = DefaultScenarioTimeout
	}

	// windows open before the run, such as other tabs of a remote browser,
	// are left alone by the post-scenario cleanup
	base, err := NewSession(r.Driver, r.Profile, r.Options).Windows.Snapshot(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to record open windows, keeping only the active one")
	}

	report := &Report{StartedAt: time.Now()}
	for _, sc := range scenarios {
		res := r.runOne(ctx, sc, timeout, base, logger.WithField("scenario", sc.Name))
		report.add(res)
		r.Options.Metrics.ObserveScenario(sc.Name, string(res.Status), res.Duration)
		if r.OnResult != nil {
			r.OnResult(res)
		}
	}
	report.FinishedAt = time.Now()

	logger.WithFields(logrus.Fields{
		"passed":  report.Passed,
		"failed":  report.Failed,
		"errored": report.Errored,
	}).Info("run finished")
	return report
}

func (r *Runner) runOne(ctx context.Context, sc Scenario, timeout time.Duration, base window.Baseline, log logrus.FieldLogger) (res Result) {
	opts := r.Options
	opts.Logger = log
	s := NewSession(r.Driver, r.Profile, opts)

	res = Result{Scenario: sc.Name, StartedAt: time.Now()}
	if err := ctx.Err(); err != nil {
		res.Status = StatusErrored
		res.Error = fmt.Sprintf("not started: %v", err)
		return res
	}

	log.Info("scenario started")
	sctx, cancel := context.WithTimeout(ctx, timeout)
	err := r.protect(sctx, sc, s)
	cancel()

	// whatever the scenario did, the next one starts from the same windows
	if leak := s.Windows.EnsureBaseline(ctx, base); leak != nil {
		log.WithError(leak).Warn("scenario left extra windows open")
		if err == nil {
			err = leak
		} else {
			err = errors.Join(err, leak)
		}
	}

	res.Duration = time.Since(res.StartedAt)
	res.Steps = s.takeSteps()
	res.Status = Classify(err)
	if err != nil {
		res.Error = err.Error()
	}
	if errors.Is(err, window.ErrWindowLeak) {
		// a leaked window breaks isolation even when an assertion also failed
		res.Status = StatusErrored
	}

	entry := log.WithFields(logrus.Fields{"status": res.Status, "elapsed": res.Duration})
	switch res.Status {
	case StatusPassed:
		entry.Info("scenario passed")
	case StatusFailed:
		entry.WithError(err).Warn("scenario failed")
	default:
		entry.WithError(err).Error("scenario errored")
	}
	return res
}

// protect runs the scenario and converts a panic into an error so one broken
// scenario does not take the whole run down.
func (r *Runner) protect(ctx context.Context, sc Scenario, s *Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scenario %s panicked: %v", sc.Name, p)
		}
	}()
	return sc.Run(ctx, s)
}
