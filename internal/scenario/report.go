package scenario

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ahrdadan/flowcheck/internal/verify"
)

// Status is the verdict for a step or scenario.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
)

// Classify maps a step error to a status: no error passes, an assertion
// failure fails, anything else is an infrastructure error.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusPassed
	case errors.Is(err, verify.ErrAssertion):
		return StatusFailed
	default:
		return StatusErrored
	}
}

// StepResult is one named step and the checks recorded during it.
type StepResult struct {
	Name     string           `json:"name"`
	Status   Status           `json:"status"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
	Outcomes []verify.Outcome `json:"outcomes,omitempty"`
}

// Result is the verdict for one scenario.
type Result struct {
	Scenario  string        `json:"scenario"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Steps     []StepResult  `json:"steps"`
}

// Report aggregates every scenario of a run.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	Results    []Result  `json:"results"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusPassed:
		r.Passed++
	case StatusFailed:
		r.Failed++
	default:
		r.Errored++
	}
}

// Total is the number of scenarios run.
func (r *Report) Total() int { return len(r.Results) }

// OK reports whether every scenario passed.
func (r *Report) OK() bool { return r.Failed == 0 && r.Errored == 0 }

// ExitCode is 0 when everything passed and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}

// Summary is a one-line count.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d scenarios: %d passed, %d failed, %d errored (%s)",
		r.Total(), r.Passed, r.Failed, r.Errored, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

// WriteText renders the report for a terminal.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	for _, res := range r.Results {
		fmt.Fprintf(&b, "%-8s %s (%s)\n", strings.ToUpper(string(res.Status)), res.Scenario, res.Duration.Round(time.Millisecond))
		for _, step := range res.Steps {
			fmt.Fprintf(&b, "  - %-7s %s\n", step.Status, step.Name)
			for _, out := range step.Outcomes {
				if out.Passed {
					continue
				}
				fmt.Fprintf(&b, "      %s\n", out.Message)
				if diff := out.Evidence["diff"]; diff != "" {
					for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
						fmt.Fprintf(&b, "        %s\n", line)
					}
				}
			}
			if step.Error != "" && step.Status == StatusErrored {
				fmt.Fprintf(&b, "      error: %s\n", step.Error)
			}
		}
		if res.Error != "" && len(res.Steps) == 0 {
			fmt.Fprintf(&b, "  error: %s\n", res.Error)
		}
	}
	fmt.Fprintln(&b, r.Summary())
	_, err := io.WriteString(w, b.String())
	return err
}
