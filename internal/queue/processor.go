package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/profile"
	"github.com/ahrdadan/flowcheck/internal/scenario"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrBrowserLost means the browser went away while scenarios were running.
var ErrBrowserLost = errors.New("browser lost during run")

// RunProcessor executes runs against a fresh driver from Launcher. Scenario
// failures end up in the report; only an unavailable browser is an error.
type RunProcessor struct {
	Launcher browser.Launcher
	// LoadProfile returns a fresh profile per run; runs override its base URL.
	LoadProfile     func() (*profile.Profile, error)
	Options         scenario.Options
	ScenarioTimeout time.Duration
	// Lookup resolves scenario names; nil uses scenario.Lookup.
	Lookup func(names []string) ([]scenario.Scenario, error)
}

// Process implements Processor.
func (p *RunProcessor) Process(ctx context.Context, run *Run, progress func(ProgressInfo)) (*scenario.Report, error) {
	logger := p.Options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("run_id", run.ID)

	lookup := p.Lookup
	if lookup == nil {
		lookup = scenario.Lookup
	}
	scenarios, err := lookup(run.Request.Scenarios)
	if err != nil {
		return nil, Permanent(err)
	}

	prof, err := p.LoadProfile()
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to load profile: %w", err))
	}
	if err := prof.Override(run.Request.BaseURL, "", ""); err != nil {
		return nil, Permanent(err)
	}

	total := len(scenarios)
	progress(ProgressInfo{Total: total, Message: "opening browser"})

	drv, err := p.Launcher.NewDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("browser unavailable: %w", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			logger.WithError(err).Warn("failed to close run page")
		}
	}()

	opts := p.Options
	opts.Logger = logger
	done := 0
	runner := &scenario.Runner{
		Driver:          drv,
		Profile:         prof,
		Options:         opts,
		ScenarioTimeout: p.ScenarioTimeout,
		RunID:           run.ID,
		OnResult: func(res scenario.Result) {
			done++
			progress(ProgressInfo{
				Current:  done,
				Total:    total,
				Scenario: res.Scenario,
				Status:   string(res.Status),
				Message:  fmt.Sprintf("[%d/%d] %s %s", done, total, res.Scenario, res.Status),
			})
		},
	}
	report := runner.Run(ctx, scenarios)

	if ctx.Err() == nil && report.Total() > 0 && report.Errored == report.Total() && !p.Launcher.IsRunning() {
		return report, ErrBrowserLost
	}
	return report, nil
}
