package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/capture"
	"github.com/ahrdadan/flowcheck/internal/locator"
	"github.com/ahrdadan/flowcheck/internal/metrics"
	"github.com/ahrdadan/flowcheck/internal/profile"
	"github.com/ahrdadan/flowcheck/internal/verify"
	"github.com/ahrdadan/flowcheck/internal/wait"
	"github.com/ahrdadan/flowcheck/internal/window"
)

// Options tunes a Session. Zero durations use package defaults.
type Options struct {
	WaitTimeout       time.Duration
	PollInterval      time.Duration
	LocatorTimeout    time.Duration
	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	Logger            logrus.FieldLogger
	Metrics           *metrics.Collector
}

// Session is everything a scenario touches: the driver, the site profile and
// the synchronization components built on top of them.
type Session struct {
	Driver   browser.Driver
	Profile  *profile.Profile
	Waiter   *wait.Waiter
	Resolver *locator.Resolver
	Windows  *window.Correlator
	Logger   logrus.FieldLogger
	Metrics  *metrics.Collector

	stepTimeout time.Duration

	mu    sync.Mutex
	steps []StepResult
}

// NewSession wires the waiter, resolver and correlator over drv.
func NewSession(drv browser.Driver, p *profile.Profile, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	waiter := wait.New(opts.WaitTimeout, opts.PollInterval, logger, opts.Metrics)
	resolverOpts := []locator.Option{locator.WithObserver(opts.Metrics)}
	if opts.LocatorTimeout > 0 {
		resolverOpts = append(resolverOpts, locator.WithTimeout(opts.LocatorTimeout))
	}
	windowOpts := []window.Option{window.WithObserver(opts.Metrics)}
	if opts.NavigationTimeout > 0 {
		windowOpts = append(windowOpts, window.WithTimeout(opts.NavigationTimeout))
	}

	return &Session{
		Driver:      drv,
		Profile:     p,
		Waiter:      waiter,
		Resolver:    locator.New(drv, waiter, resolverOpts...),
		Windows:     window.New(drv, waiter, windowOpts...),
		Logger:      logger,
		Metrics:     opts.Metrics,
		stepTimeout: opts.StepTimeout,
	}
}

// Step runs fn as a named step with its own timeout and records the result.
// The returned error is fn's.
func (s *Session) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()
	}

	log := s.Logger.WithField("step", name)
	log.Info("step started")

	s.mu.Lock()
	s.steps = append(s.steps, StepResult{Name: name})
	idx := len(s.steps) - 1
	s.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	status := Classify(err)
	s.mu.Lock()
	s.steps[idx].Status = status
	s.steps[idx].Duration = elapsed
	if err != nil {
		s.steps[idx].Error = err.Error()
	}
	s.mu.Unlock()

	entry := log.WithFields(logrus.Fields{"elapsed": elapsed, "status": status})
	switch status {
	case StatusPassed:
		entry.Info("step passed")
	case StatusFailed:
		entry.WithError(err).Warn("step failed")
	default:
		entry.WithError(err).Error("step errored")
	}
	return err
}

// Check records an outcome against the current step and returns its error
// form, so a failing check ends the scenario.
func (s *Session) Check(out verify.Outcome) error {
	s.Metrics.ObserveVerification(out.Passed)
	s.Logger.WithFields(logrus.Fields{"check": out.Check, "passed": out.Passed}).Debug(out.Message)

	s.mu.Lock()
	if len(s.steps) == 0 {
		s.steps = append(s.steps, StepResult{Name: out.Check, Status: StatusPassed})
	}
	last := &s.steps[len(s.steps)-1]
	last.Outcomes = append(last.Outcomes, out)
	s.mu.Unlock()

	return out.Err()
}

func (s *Session) takeSteps() []StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps
	s.steps = nil
	return steps
}

// Open navigates to a named profile page or relative path.
func (s *Session) Open(ctx context.Context, page string) error {
	target := s.Profile.URL(page)
	if err := s.Driver.Navigate(ctx, target); err != nil {
		return fmt.Errorf("opening %s: %w", target, err)
	}
	return nil
}

// Find resolves a logical element of the profile.
func (s *Session) Find(ctx context.Context, element string) (*locator.Match, error) {
	set, err := s.Profile.Set(element)
	if err != nil {
		return nil, err
	}
	return s.Resolver.Resolve(ctx, set, 0)
}

// Click resolves and clicks an element. A stale handle is resolved again once.
func (s *Session) Click(ctx context.Context, element string) error {
	return s.act(ctx, element, "click", func(ctx context.Context, m *locator.Match) error {
		return m.Click(ctx)
	})
}

// Type resolves an element and types text into it.
func (s *Session) Type(ctx context.Context, element, text string) error {
	return s.act(ctx, element, "type into", func(ctx context.Context, m *locator.Match) error {
		return m.Input(ctx, text)
	})
}

// Select picks an option by visible text on a <select> element.
func (s *Session) Select(ctx context.Context, element, option string) error {
	return s.act(ctx, element, "select on", func(ctx context.Context, m *locator.Match) error {
		return m.Select(ctx, option)
	})
}

// Text resolves an element and returns its trimmed text.
func (s *Session) Text(ctx context.Context, element string) (string, error) {
	var text string
	err := s.act(ctx, element, "read", func(ctx context.Context, m *locator.Match) error {
		t, err := m.Text(ctx)
		text = strings.TrimSpace(t)
		return err
	})
	return text, err
}

// act resolves element and applies fn. The action itself is not retried;
// only a stale reference, which means fn never reached the page, leads to a
// second resolution.
func (s *Session) act(ctx context.Context, element, verb string, fn func(ctx context.Context, m *locator.Match) error) error {
	for attempt := 0; ; attempt++ {
		m, err := s.Find(ctx, element)
		if err != nil {
			return err
		}
		err = fn(ctx, m)
		if err == nil {
			return nil
		}
		if browser.IsStale(err) && attempt == 0 {
			s.Logger.WithField("candidate_set", element).Debug("stale element, resolving again")
			continue
		}
		return fmt.Errorf("%s %s: %w", verb, element, err)
	}
}

// Capture reads all values of a list element from one snapshot.
func (s *Session) Capture(ctx context.Context, element string) ([]string, error) {
	set, err := s.Profile.Set(element)
	if err != nil {
		return nil, err
	}
	return capture.FromSet(ctx, s.Driver, s.Resolver, set)
}

// ExpectURL waits for the location to contain fragment and records the
// result as a check. Not getting there in time is an assertion failure.
func (s *Session) ExpectURL(ctx context.Context, check, fragment string) error {
	var last string
	err := s.Waiter.Until(ctx, "location contains "+fragment, func(ctx context.Context) (bool, error) {
		u, err := s.Driver.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		last = u
		return strings.Contains(u, fragment), nil
	})
	if err != nil && !errors.Is(err, wait.ErrTimeout) {
		return err
	}
	return s.Check(verify.Contains(check, last, fragment))
}

// ExpectText waits for an element's text to equal expected. A wrong text at
// the deadline is an assertion failure; a missing element is not.
func (s *Session) ExpectText(ctx context.Context, check, element, expected string) error {
	return s.expectText(ctx, check, element, expected, verify.Equal)
}

// ExpectTextContains is ExpectText with a substring match.
func (s *Session) ExpectTextContains(ctx context.Context, check, element, fragment string) error {
	return s.expectText(ctx, check, element, fragment, func(check, want, got string) verify.Outcome {
		return verify.Contains(check, got, want)
	})
}

func (s *Session) expectText(ctx context.Context, check, element, expected string, compare func(check, want, got string) verify.Outcome) error {
	if _, err := s.Find(ctx, element); err != nil {
		return err
	}

	var last string
	err := s.Waiter.Until(ctx, fmt.Sprintf("%s text %q", element, expected), func(ctx context.Context) (bool, error) {
		m, ok, err := s.findNow(ctx, element)
		if err != nil || !ok {
			return false, err
		}
		t, err := m.Text(ctx)
		if err != nil {
			return false, err
		}
		last = strings.TrimSpace(t)
		return compare(check, expected, last).Passed, nil
	})
	if err != nil && !errors.Is(err, wait.ErrTimeout) {
		return err
	}
	return s.Check(compare(check, expected, last))
}

// Visible reports whether an element is interactable right now, without waiting.
func (s *Session) Visible(ctx context.Context, element string) (bool, error) {
	set, err := s.Profile.Set(element)
	if err != nil {
		return false, err
	}
	_, ok, err := s.Resolver.Find(ctx, set)
	return ok, err
}

// ExpectVisible waits for an element and records whether it showed up.
func (s *Session) ExpectVisible(ctx context.Context, check, element string) error {
	m, err := s.Find(ctx, element)
	if err != nil {
		if errors.Is(err, locator.ErrNotFound) {
			return s.Check(verify.Fail(check, err.Error()).With("element", element))
		}
		return err
	}
	return s.Check(verify.Pass(check, fmt.Sprintf("%s found via %s", element, m.Candidate)))
}

func (s *Session) findNow(ctx context.Context, element string) (*locator.Match, bool, error) {
	set, err := s.Profile.Set(element)
	if err != nil {
		return nil, false, wait.Permanent(err)
	}
	return s.Resolver.Find(ctx, set)
}

// Login opens the login page and signs in as the given profile user.
func (s *Session) Login(ctx context.Context, role string) error {
	user, err := s.Profile.User(role)
	if err != nil {
		return err
	}
	if err := s.Open(ctx, ""); err != nil {
		return err
	}
	if err := s.Type(ctx, "username", user.Username); err != nil {
		return err
	}
	if err := s.Type(ctx, "password", user.Password); err != nil {
		return err
	}
	return s.Click(ctx, "login_button")
}
