package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/browser/browsertest"
	"github.com/ahrdadan/flowcheck/internal/profile"
	"github.com/ahrdadan/flowcheck/internal/scenario"
)

type fakeLauncher struct {
	drv     *browsertest.Driver
	err     error
	running bool
}

func (l *fakeLauncher) IsRunning() bool     { return l.running }
func (l *fakeLauncher) GetEndpoint() string { return "ws://127.0.0.1:9222/devtools/browser/fake" }
func (l *fakeLauncher) Stop() error         { return nil }

func (l *fakeLauncher) NewDriver(context.Context) (browser.Driver, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.drv, nil
}

func newProcessor(t *testing.T, l browser.Launcher, scenarios ...scenario.Scenario) *RunProcessor {
	t.Helper()
	logger, _ := test.NewNullLogger()
	p := &RunProcessor{
		Launcher:    l,
		LoadProfile: profile.Default,
		Options: scenario.Options{
			WaitTimeout:  100 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
			Logger:       logger,
		},
		ScenarioTimeout: time.Second,
	}
	if len(scenarios) > 0 {
		p.Lookup = func([]string) ([]scenario.Scenario, error) { return scenarios, nil }
	}
	return p
}

func TestRunProcessorRunsScenarios(t *testing.T) {
	drv := browsertest.New("about:blank")
	var seenBase string
	probe := scenario.Scenario{Name: "probe", Run: func(ctx context.Context, s *scenario.Session) error {
		seenBase = s.Profile.BaseURL
		return s.Step(ctx, "noop", func(context.Context) error { return nil })
	}}
	broken := scenario.Scenario{Name: "broken", Run: func(context.Context, *scenario.Session) error {
		return errors.New("element vanished")
	}}

	p := newProcessor(t, &fakeLauncher{drv: drv, running: true}, probe, broken)
	run := NewRun(RunRequest{BaseURL: "https://shop.test"})

	var progress []ProgressInfo
	report, err := p.Process(context.Background(), run, func(info ProgressInfo) {
		progress = append(progress, info)
	})
	require.NoError(t, err)

	assert.Equal(t, "https://shop.test/", seenBase)
	assert.Equal(t, 2, report.Total())
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Errored)
	assert.True(t, drv.Closed(), "the run's page is closed")

	require.Len(t, progress, 3)
	assert.Equal(t, "opening browser", progress[0].Message)
	assert.Equal(t, ProgressInfo{Current: 1, Total: 2, Scenario: "probe", Status: "passed", Message: "[1/2] probe passed"}, progress[1])
	assert.Equal(t, 2, progress[2].Current)
	assert.Equal(t, "errored", progress[2].Status)
}

func TestRunProcessorBrowserUnavailable(t *testing.T) {
	p := newProcessor(t, &fakeLauncher{err: errors.New("connection refused")})

	_, err := p.Process(context.Background(), NewRun(RunRequest{Scenarios: []string{"login"}}), func(ProgressInfo) {})
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "an unavailable browser is retried")
	assert.Contains(t, err.Error(), "browser unavailable")
}

func TestRunProcessorBrowserLost(t *testing.T) {
	dead := scenario.Scenario{Name: "dead", Run: func(context.Context, *scenario.Session) error {
		return errors.New("use of closed network connection")
	}}
	p := newProcessor(t, &fakeLauncher{drv: browsertest.New("about:blank"), running: false}, dead)

	report, err := p.Process(context.Background(), NewRun(RunRequest{}), func(ProgressInfo) {})
	assert.ErrorIs(t, err, ErrBrowserLost)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Errored)
}

func TestRunProcessorPermanentErrors(t *testing.T) {
	launcher := &fakeLauncher{drv: browsertest.New("about:blank"), running: true}

	_, err := newProcessor(t, launcher).Process(context.Background(),
		NewRun(RunRequest{Scenarios: []string{"teleport"}}), func(ProgressInfo) {})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	p := newProcessor(t, launcher)
	p.LoadProfile = func() (*profile.Profile, error) { return nil, errors.New("no such file") }
	_, err = p.Process(context.Background(), NewRun(RunRequest{Scenarios: []string{"login"}}), func(ProgressInfo) {})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "failed to load profile")
}
