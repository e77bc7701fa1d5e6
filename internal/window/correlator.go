// Package window follows an action that may open an external page, either
// in a new window or in the current tab, verifies where it landed and puts
// the browser back the way it found it.
package window

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/verify"
	"github.com/ahrdadan/flowcheck/internal/wait"
)

// State is a step of one external navigation.
type State string

const (
	Idle              State = "idle"
	ActionDispatched  State = "action_dispatched"
	AwaitingNewWindow State = "awaiting_new_window"
	Verifying         State = "verifying"
	Closing           State = "closing"
	Restored          State = "restored"
)

// Navigation kinds recorded in outcome evidence.
const (
	NewWindow = "new_window"
	SameTab   = "same_tab"
)

const defaultCleanupTimeout = 10 * time.Second

var (
	// ErrNavigationTimeout is matched by errors.Is for every NavigationTimeoutError.
	ErrNavigationTimeout = errors.New("navigation not observed")
	// ErrWindowLeak is matched when cleanup leaves unexpected windows open or
	// loses the window it should return to.
	ErrWindowLeak = errors.New("window leaked")
)

// NavigationTimeoutError reports that neither a new window nor a same-tab
// navigation to the expected location happened in time.
type NavigationTimeoutError struct {
	Fragment  string
	OriginURL string
	Timeout   time.Duration
	Err       error
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("no new window and no navigation to %q from %s within %s",
		e.Fragment, e.OriginURL, e.Timeout)
}

func (e *NavigationTimeoutError) Unwrap() error { return e.Err }

func (e *NavigationTimeoutError) Is(target error) bool { return target == ErrNavigationTimeout }

// LeakError reports windows that cleanup could not close, or an origin
// window that no longer exists.
type LeakError struct {
	Extra   []string // windows that should not be open
	Missing string   // origin or page window that disappeared
	Handles []string // every window open after cleanup
}

func (e *LeakError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("window %s is gone after cleanup, open: %s",
			e.Missing, strings.Join(e.Handles, ", "))
	}
	return fmt.Sprintf("windows left open after cleanup: %s (open: %s)",
		strings.Join(e.Extra, ", "), strings.Join(e.Handles, ", "))
}

func (e *LeakError) Is(target error) bool { return target == ErrWindowLeak }

// Driver is what the correlator needs from the browser.
type Driver interface {
	browser.Page
	browser.Windows
}

// Observer receives one sample per correlated navigation. result is
// "passed", "failed", "timeout" or "error".
type Observer interface {
	ObserveWindow(navigation, result string, elapsed time.Duration)
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option { return func(c *Correlator) { c.observer = o } }

// WithTimeout sets the default navigation deadline.
func WithTimeout(d time.Duration) Option { return func(c *Correlator) { c.timeout = d } }

// WithoutBack leaves the origin tab wherever the action sent it instead of
// going back.
func WithoutBack() Option { return func(c *Correlator) { c.back = false } }

// Correlator is the only component that enumerates, switches or closes windows.
type Correlator struct {
	drv            Driver
	waiter         *wait.Waiter
	logger         logrus.FieldLogger
	observer       Observer
	timeout        time.Duration
	cleanupTimeout time.Duration
	back           bool

	mu    sync.Mutex
	state State
	trace []State
}

// New returns a correlator over drv.
func New(drv Driver, waiter *wait.Waiter, opts ...Option) *Correlator {
	c := &Correlator{
		drv:            drv,
		waiter:         waiter,
		logger:         waiter.Logger(),
		timeout:        waiter.Timeout(),
		cleanupTimeout: defaultCleanupTimeout,
		back:           true,
		state:          Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the state of the current or last navigation.
func (c *Correlator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Trace returns the states visited by the last navigation.
func (c *Correlator) Trace() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.trace...)
}

func (c *Correlator) enter(s State) {
	c.mu.Lock()
	if s == Idle {
		c.trace = c.trace[:0]
	}
	c.state = s
	c.trace = append(c.trace, s)
	c.mu.Unlock()
	c.logger.WithField("state", s).Debug("window correlator transition")
}

type signal struct {
	handle string
	url    string
}

// WithNewWindow runs action and verifies that it led to a location
// containing fragment, whether the page opened in a new window or replaced
// the current one. New windows are closed and the origin window is active
// again when it returns, on success and on failure.
//
// An assertion mismatch is reported through the outcome; the error return is
// for timeouts, action failures and cleanup that left extra windows behind.
func (c *Correlator) WithNewWindow(ctx context.Context, action func(ctx context.Context) error, fragment string, timeout time.Duration) (out verify.Outcome, err error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	check := fmt.Sprintf("external navigation to %s", fragment)
	log := c.logger.WithField("expected_fragment", fragment)

	c.enter(Idle)
	origin, err := c.drv.CurrentWindow(ctx)
	if err != nil {
		return verify.Outcome{}, fmt.Errorf("reading origin window: %w", err)
	}
	before, err := c.drv.WindowHandles(ctx)
	if err != nil {
		return verify.Outcome{}, fmt.Errorf("listing windows: %w", err)
	}
	originURL, err := c.drv.CurrentURL(ctx)
	if err != nil {
		return verify.Outcome{}, fmt.Errorf("reading origin location: %w", err)
	}

	known := make(map[string]bool, len(before))
	for _, h := range before {
		known[h] = true
	}

	start := time.Now()
	navigation := ""
	defer func() {
		restoreErr := c.restore(ctx, origin, known, originURL)
		var leak *LeakError
		switch {
		case restoreErr == nil:
		case err == nil:
			err = restoreErr
		case errors.As(restoreErr, &leak):
			err = errors.Join(err, restoreErr)
		default:
			log.WithError(restoreErr).Warn("window cleanup failed")
		}
		c.observe(navigation, out, err, time.Since(start))
	}()

	c.enter(ActionDispatched)
	if err := action(ctx); err != nil {
		return verify.Outcome{}, fmt.Errorf("dispatching action: %w", err)
	}

	c.enter(AwaitingNewWindow)
	sig, err := wait.For(ctx, c.waiter, "new window or navigation to "+fragment, timeout,
		func(ctx context.Context) (signal, bool, error) {
			handles, err := c.drv.WindowHandles(ctx)
			if err != nil {
				return signal{}, false, err
			}
			for _, h := range handles {
				if !known[h] {
					return signal{handle: h}, true, nil
				}
			}
			u, err := c.drv.CurrentURL(ctx)
			if err != nil {
				return signal{}, false, err
			}
			if u != originURL && strings.Contains(u, fragment) {
				return signal{url: u}, true, nil
			}
			return signal{}, false, nil
		})
	if err != nil {
		if errors.Is(err, wait.ErrTimeout) {
			return verify.Outcome{}, &NavigationTimeoutError{
				Fragment:  fragment,
				OriginURL: originURL,
				Timeout:   timeout,
				Err:       err,
			}
		}
		return verify.Outcome{}, err
	}

	c.enter(Verifying)
	if sig.handle == "" {
		navigation = SameTab
		log.WithField("url", sig.url).Debug("action navigated the current tab")
		return verify.Contains(check, sig.url, fragment).
			With("navigation", SameTab).
			With("window", origin), nil
	}

	navigation = NewWindow
	log = log.WithField("window", sig.handle)
	if err := c.drv.SwitchWindow(ctx, sig.handle); err != nil {
		return verify.Outcome{}, fmt.Errorf("switching to new window: %w", err)
	}

	// a fresh window may still be on about:blank; give it the rest of the budget
	remaining := timeout - time.Since(start)
	if remaining < c.waiter.PollInterval() {
		remaining = c.waiter.PollInterval()
	}
	var landed string
	_, err = wait.For(ctx, c.waiter, "new window location "+fragment, remaining,
		func(ctx context.Context) (string, bool, error) {
			u, err := c.drv.CurrentURL(ctx)
			if err != nil {
				return "", false, err
			}
			landed = u
			return u, strings.Contains(u, fragment), nil
		})
	if err != nil && !errors.Is(err, wait.ErrTimeout) {
		return verify.Outcome{}, err
	}

	log.WithField("url", landed).Debug("new window observed")
	return verify.Contains(check, landed, fragment).
		With("navigation", NewWindow).
		With("window", sig.handle), nil
}

// restore closes windows that were not there before, returns the origin tab
// to where it started, reactivates the origin and checks that no window
// appeared. Pre-existing windows the action closed on purpose are not a
// leak. It runs on a context detached from ctx's cancellation.
func (c *Correlator) restore(ctx context.Context, origin string, known map[string]bool, originURL string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()

	c.enter(Closing)
	log := c.logger.WithField("state", Closing)

	handles, err := c.drv.WindowHandles(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to list windows during cleanup")
	}
	c.closeExtra(ctx, handles, known)

	if err := c.drv.SwitchWindow(ctx, origin); err != nil {
		after, _ := c.drv.WindowHandles(ctx)
		c.enter(Restored)
		return &LeakError{Missing: origin, Handles: after}
	}

	// the origin tab goes back whenever it moved, also after a navigation
	// that never matched the fragment
	if c.back {
		if u, err := c.drv.CurrentURL(ctx); err != nil {
			log.WithError(err).Warn("failed to read origin location")
		} else if u != originURL {
			c.goBack(ctx, originURL, log)
		}
	}

	after, err := c.drv.WindowHandles(ctx)
	if err != nil {
		return fmt.Errorf("listing windows after cleanup: %w", err)
	}
	c.enter(Restored)

	present := make(map[string]bool, len(after))
	var extra []string
	for _, h := range after {
		present[h] = true
		if !known[h] {
			extra = append(extra, h)
		}
	}
	for h := range known {
		if !present[h] {
			log.WithField("window", h).Info("window closed by the action")
		}
	}
	if len(extra) > 0 {
		return &LeakError{Extra: extra, Handles: after}
	}
	return nil
}

func (c *Correlator) goBack(ctx context.Context, originURL string, log logrus.FieldLogger) {
	if err := c.drv.Back(ctx); err != nil {
		log.WithError(err).Warn("failed to navigate back to origin")
		return
	}
	err := c.waiter.Until(ctx, "return to "+originURL, func(ctx context.Context) (bool, error) {
		u, err := c.drv.CurrentURL(ctx)
		return u == originURL, err
	})
	if err != nil {
		log.WithError(err).Warn("origin location not restored")
	}
}

func (c *Correlator) closeExtra(ctx context.Context, handles []string, keep map[string]bool) {
	for _, h := range handles {
		if keep[h] {
			continue
		}
		if err := c.drv.CloseWindow(ctx, h); err != nil {
			c.logger.WithError(err).WithField("window", h).Warn("failed to close window")
		}
	}
}

// Baseline is the set of windows a run started with and the page the run
// drives. Windows in it belong to someone else and are left alone.
type Baseline struct {
	Page    string
	Handles []string
}

// Snapshot records the current windows and the active one as a Baseline.
func (c *Correlator) Snapshot(ctx context.Context) (Baseline, error) {
	page, err := c.drv.CurrentWindow(ctx)
	if err != nil {
		return Baseline{}, fmt.Errorf("reading active window: %w", err)
	}
	handles, err := c.drv.WindowHandles(ctx)
	if err != nil {
		return Baseline{}, fmt.Errorf("listing windows: %w", err)
	}
	return Baseline{Page: page, Handles: handles}, nil
}

// EnsureBaseline closes every window that is not part of base and makes
// base.Page active again. Closed windows are reported as a LeakError, as is a
// page window that no longer exists. A zero Baseline keeps only the active
// window.
func (c *Correlator) EnsureBaseline(ctx context.Context, base Baseline) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
	defer cancel()

	handles, err := c.drv.WindowHandles(ctx)
	if err != nil {
		return fmt.Errorf("listing windows: %w", err)
	}

	page := base.Page
	keep := make(map[string]bool, len(base.Handles)+1)
	for _, h := range base.Handles {
		keep[h] = true
	}
	if page == "" {
		page, err = c.drv.CurrentWindow(ctx)
		if err != nil && len(handles) > 0 {
			page = handles[0]
		}
		keep = map[string]bool{page: true}
	}

	var extra []string
	pagePresent := false
	for _, h := range handles {
		if h == page {
			pagePresent = true
		}
		if !keep[h] {
			extra = append(extra, h)
		}
	}
	c.closeExtra(ctx, extra, nil)

	if !pagePresent {
		after, _ := c.drv.WindowHandles(ctx)
		return &LeakError{Missing: page, Extra: extra, Handles: after}
	}
	if current, err := c.drv.CurrentWindow(ctx); err != nil || current != page {
		c.logger.WithField("window", page).Debug("reactivating page window")
		if err := c.drv.SwitchWindow(ctx, page); err != nil {
			return fmt.Errorf("reactivating page window %s: %w", page, err)
		}
	}
	if len(extra) > 0 {
		after, _ := c.drv.WindowHandles(ctx)
		return &LeakError{Extra: extra, Handles: after}
	}
	return nil
}

func (c *Correlator) observe(navigation string, out verify.Outcome, err error, elapsed time.Duration) {
	if c.observer == nil {
		return
	}
	if navigation == "" {
		navigation = "none"
	}
	result := "passed"
	switch {
	case errors.Is(err, ErrNavigationTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	case !out.Passed:
		result = "failed"
	}
	c.observer.ObserveWindow(navigation, result, elapsed)
}
