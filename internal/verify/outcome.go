// Package verify turns observations into pass/fail outcomes with evidence.
package verify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrAssertion is matched by errors.Is for every AssertionFailure.
var ErrAssertion = errors.New("assertion failed")

// Outcome is the result of one check.
type Outcome struct {
	Check    string            `json:"check"`
	Passed   bool              `json:"passed"`
	Message  string            `json:"message"`
	Evidence map[string]string `json:"evidence,omitempty"`
}

// Pass builds a passing outcome.
func Pass(check, message string) Outcome {
	return Outcome{Check: check, Passed: true, Message: message}
}

// Fail builds a failing outcome.
func Fail(check, message string) Outcome {
	return Outcome{Check: check, Passed: false, Message: message}
}

// With returns a copy of o with an extra evidence entry.
func (o Outcome) With(key, value string) Outcome {
	evidence := make(map[string]string, len(o.Evidence)+1)
	for k, v := range o.Evidence {
		evidence[k] = v
	}
	evidence[key] = value
	o.Evidence = evidence
	return o
}

func (o Outcome) String() string {
	status := "PASS"
	if !o.Passed {
		status = "FAIL"
	}
	return fmt.Sprintf("[%s] %s: %s", status, o.Check, o.Message)
}

// Err returns nil for a passing outcome and an *AssertionFailure otherwise.
func (o Outcome) Err() error {
	if o.Passed {
		return nil
	}
	return &AssertionFailure{Outcome: o}
}

// AssertionFailure is a failed outcome carried as an error.
type AssertionFailure struct {
	Outcome Outcome
}

func (e *AssertionFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Outcome.Check, e.Outcome.Message)

	keys := make([]string, 0, len(e.Outcome.Evidence))
	for k := range e.Outcome.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(e.Outcome.Evidence[k], "\n") {
			continue
		}
		fmt.Fprintf(&b, " %s=%q", k, e.Outcome.Evidence[k])
	}
	return b.String()
}

func (e *AssertionFailure) Is(target error) bool { return target == ErrAssertion }

// Equal checks that actual equals expected.
func Equal(check, expected, actual string) Outcome {
	if expected == actual {
		return Pass(check, fmt.Sprintf("got %q", actual))
	}
	return Fail(check, fmt.Sprintf("expected %q, got %q", expected, actual)).
		With("expected", expected).
		With("actual", actual)
}

// Contains checks that actual contains fragment.
func Contains(check, actual, fragment string) Outcome {
	if strings.Contains(actual, fragment) {
		return Pass(check, fmt.Sprintf("%q contains %q", actual, fragment))
	}
	return Fail(check, fmt.Sprintf("expected %q to contain %q", actual, fragment)).
		With("expected_fragment", fragment).
		With("actual", actual)
}

// True checks a boolean observation.
func True(check string, ok bool, message string) Outcome {
	if ok {
		return Pass(check, message)
	}
	return Fail(check, message)
}
