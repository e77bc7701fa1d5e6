// Package locator resolves a logical element from an ordered list of
// fallback selectors.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/wait"
)

// ErrNotFound is matched by errors.Is for every NotFoundError.
var ErrNotFound = errors.New("element not found")

// Mode controls how the timeout is spent across candidates.
type Mode int

const (
	// Sweep tries every candidate, in order, on each poll. The whole set
	// shares one deadline.
	Sweep Mode = iota
	// PerCandidate waits for each candidate in turn with an equal share of
	// the deadline.
	PerCandidate
)

// Attempt is what the last poll observed for one candidate.
type Attempt struct {
	Candidate    Candidate
	Found        int
	Interactable int
	Err          error
}

func (a Attempt) String() string {
	if a.Err != nil {
		return fmt.Sprintf("%s (error: %v)", a.Candidate, a.Err)
	}
	return fmt.Sprintf("%s (%d found, %d interactable)", a.Candidate, a.Found, a.Interactable)
}

// NotFoundError lists every candidate that was tried.
type NotFoundError struct {
	Set      string
	Attempts []Attempt
	Elapsed  time.Duration
}

func (e *NotFoundError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return fmt.Sprintf("no candidate for %q matched within %s: %s",
		e.Set, e.Elapsed.Round(time.Millisecond), strings.Join(parts, "; "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Match is the element that satisfied a candidate set.
type Match struct {
	browser.Element
	Set       string
	Candidate Candidate
	Priority  int
}

// Observer receives one sample per finished resolution. priority is -1 when
// nothing matched.
type Observer interface {
	ObserveResolve(priority int, elapsed time.Duration)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMode selects how the deadline is shared.
func WithMode(m Mode) Option { return func(r *Resolver) { r.mode = m } }

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option { return func(r *Resolver) { r.observer = o } }

// WithTimeout sets the default deadline used when Resolve gets zero.
func WithTimeout(d time.Duration) Option { return func(r *Resolver) { r.timeout = d } }

// Resolver finds the first interactable element of a candidate set.
type Resolver struct {
	finder   browser.Finder
	waiter   *wait.Waiter
	mode     Mode
	timeout  time.Duration
	observer Observer
	logger   logrus.FieldLogger
}

// New returns a resolver that queries finder and polls through waiter.
func New(finder browser.Finder, waiter *wait.Waiter, opts ...Option) *Resolver {
	r := &Resolver{
		finder:  finder,
		waiter:  waiter,
		mode:    Sweep,
		timeout: waiter.Timeout(),
		logger:  waiter.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve waits up to timeout (zero: resolver default) for a candidate with
// at least one visible, enabled element. Candidates are tried in priority
// order and the first hit wins.
func (r *Resolver) Resolve(ctx context.Context, set CandidateSet, timeout time.Duration) (*Match, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	log := r.logger.WithField("candidate_set", set.Name)
	start := time.Now()

	var (
		m   *Match
		err error
	)
	attempts := make([]Attempt, len(set.Candidates))
	for i, c := range set.Candidates {
		attempts[i].Candidate = c
	}

	switch r.mode {
	case PerCandidate:
		m, err = r.resolveEach(ctx, set, timeout, attempts)
	default:
		m, err = wait.For(ctx, r.waiter, "locate "+set.Name, timeout, func(ctx context.Context) (*Match, bool, error) {
			return r.sweep(ctx, set, attempts)
		})
	}
	elapsed := time.Since(start)

	if err == nil {
		log.WithFields(logrus.Fields{
			"candidate": m.Candidate.String(),
			"priority":  m.Priority,
			"elapsed":   elapsed,
		}).Debug("element resolved")
		r.observe(m.Priority, elapsed)
		return m, nil
	}

	r.observe(-1, elapsed)
	if errors.Is(err, wait.ErrTimeout) {
		nf := &NotFoundError{Set: set.Name, Attempts: attempts, Elapsed: elapsed}
		log.WithField("elapsed", elapsed).Debug(nf.Error())
		return nil, nf
	}
	return nil, err
}

// Find performs a single sweep without waiting.
func (r *Resolver) Find(ctx context.Context, set CandidateSet) (*Match, bool, error) {
	if err := set.Validate(); err != nil {
		return nil, false, err
	}
	attempts := make([]Attempt, len(set.Candidates))
	return r.sweep(ctx, set, attempts)
}

func (r *Resolver) resolveEach(ctx context.Context, set CandidateSet, timeout time.Duration, attempts []Attempt) (*Match, error) {
	share := timeout / time.Duration(len(set.Candidates))
	if share <= 0 {
		share = timeout
	}

	var lastErr error
	for i := range set.Candidates {
		single := CandidateSet{Name: set.Name, Candidates: set.Candidates[i : i+1]}
		m, err := wait.For(ctx, r.waiter, "locate "+set.Candidates[i].String(), share, func(ctx context.Context) (*Match, bool, error) {
			return r.sweep(ctx, single, attempts[i:i+1])
		})
		if err == nil {
			m.Priority = i
			return m, nil
		}
		if !errors.Is(err, wait.ErrTimeout) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// sweep checks each candidate in order and stops at the first one with an
// interactable element. attempts is updated in place.
func (r *Resolver) sweep(ctx context.Context, set CandidateSet, attempts []Attempt) (*Match, bool, error) {
	for i, c := range set.Candidates {
		a := Attempt{Candidate: c}

		elements, err := r.finder.FindElements(ctx, c.By, c.Value)
		if err != nil {
			a.Err = err
			attempts[i] = a
			if browser.IsConnectionError(err) {
				return nil, false, wait.Permanent(err)
			}
			continue
		}
		a.Found = len(elements)

		var hit browser.Element
		for _, el := range elements {
			if interactable(ctx, el) {
				a.Interactable++
				if hit == nil {
					hit = el
				}
			}
		}
		attempts[i] = a

		if hit != nil {
			return &Match{Element: hit, Set: set.Name, Candidate: c, Priority: i}, true, nil
		}
	}
	return nil, false, nil
}

func interactable(ctx context.Context, el browser.Element) bool {
	visible, err := el.Visible(ctx)
	if err != nil || !visible {
		return false
	}
	enabled, err := el.Enabled(ctx)
	return err == nil && enabled
}

func (r *Resolver) observe(priority int, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveResolve(priority, elapsed)
	}
}
