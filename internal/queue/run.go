package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ahrdadan/flowcheck/internal/scenario"
)

// Default values for run configuration
const (
	DefaultRunTimeout = 10 * time.Minute
	DefaultMaxRetries = 3
	DefaultResultTTL  = 7 * 24 * time.Hour // 7 days
	DefaultRetryDelay = 5 * time.Second
	MaxRetryDelay     = 5 * time.Minute
	maxRetriesLimit   = 10
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusRetrying  RunStatus = "retrying"
	RunStatusCompleted RunStatus = "completed" // scenarios executed; see Verdict
	RunStatusFailed    RunStatus = "failed"    // could not execute, retries exhausted
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further transitions happen from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// Verdicts of a completed run.
const (
	VerdictPassed = "passed"
	VerdictFailed = "failed"
)

// NotifyConfig holds notification settings for a run
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // For HMAC signature
}

// RetryConfig holds retry settings for a run
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries"`    // Maximum retry attempts (default: 3)
	RetryDelay    int     `json:"retry_delay"`    // Initial delay between retries in seconds
	BackoffFactor float64 `json:"backoff_factor"` // Exponential backoff multiplier (default: 2.0)
}

// ProgressInfo holds detailed progress information
type ProgressInfo struct {
	Current  int    `json:"current"` // scenarios finished
	Total    int    `json:"total"`
	Percent  int    `json:"percent"`
	Scenario string `json:"scenario,omitempty"` // last finished scenario
	Status   string `json:"scenario_status,omitempty"`
	Message  string `json:"message"`
}

// RunRequest represents a run creation request
type RunRequest struct {
	Scenarios      []string      `json:"scenarios,omitempty"` // empty runs every built-in scenario
	BaseURL        string        `json:"base_url,omitempty"`  // overrides the profile's base URL
	Timeout        int           `json:"timeout,omitempty"`   // seconds
	Notify         *NotifyConfig `json:"notify,omitempty"`
	Retry          *RetryConfig  `json:"retry,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ResultTTL      int           `json:"result_ttl,omitempty"` // seconds (default: 7 days)
}

// Normalize fills defaults and rejects requests that can never succeed.
// Timeouts above maxTimeout are clamped to it.
func (r *RunRequest) Normalize(maxTimeout time.Duration) error {
	if len(r.Scenarios) == 0 {
		r.Scenarios = scenario.Names()
	}
	if _, err := scenario.Lookup(r.Scenarios); err != nil {
		return err
	}

	if r.BaseURL != "" {
		if err := checkHTTPURL(r.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	if r.Notify != nil && r.Notify.WebhookURL != "" {
		if err := checkHTTPURL(r.Notify.WebhookURL); err != nil {
			return fmt.Errorf("webhook_url: %w", err)
		}
	}

	if r.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if maxTimeout > 0 && time.Duration(r.Timeout)*time.Second > maxTimeout {
		r.Timeout = int(maxTimeout.Seconds())
	}
	if r.Retry != nil && r.Retry.MaxRetries > maxRetriesLimit {
		r.Retry.MaxRetries = maxRetriesLimit
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// Run is one queued execution of a set of scenarios
type Run struct {
	ID             string           `json:"run_id"`
	Status         RunStatus        `json:"status"`
	Verdict        string           `json:"verdict,omitempty"`
	Progress       int              `json:"progress"`
	ProgressInfo   *ProgressInfo    `json:"progress_info,omitempty"`
	Message        string           `json:"message,omitempty"`
	Request        RunRequest       `json:"request"`
	Report         *scenario.Report `json:"report,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	StartedAt      int64            `json:"started_at,omitempty"`
	CompletedAt    int64            `json:"completed_at,omitempty"`
	ExpiresAt      int64            `json:"expires_at,omitempty"` // When the run will be deleted
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	NextRetryAt    int64            `json:"next_retry_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Timeout        int              `json:"timeout"` // seconds
}

// NewRun creates a queued run from a request
func NewRun(req RunRequest) *Run {
	now := time.Now().Unix()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultRunTimeout.Seconds())
	}

	maxRetries := DefaultMaxRetries
	if req.Retry != nil && req.Retry.MaxRetries > 0 {
		maxRetries = req.Retry.MaxRetries
	}

	resultTTL := DefaultResultTTL
	if req.ResultTTL > 0 {
		resultTTL = time.Duration(req.ResultTTL) * time.Second
	}

	return &Run{
		ID:             generateRunID(),
		Status:         RunStatusQueued,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      time.Now().Add(resultTTL).Unix(),
		MaxRetries:     maxRetries,
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        timeout,
	}
}

// SetStatus updates the run status
func (r *Run) SetStatus(status RunStatus) {
	r.Status = status
	r.UpdatedAt = time.Now().Unix()

	if status == RunStatusRunning && r.StartedAt == 0 {
		r.StartedAt = r.UpdatedAt
	}
	if status.Terminal() {
		r.CompletedAt = r.UpdatedAt
	}
}

// SetProgress records scenario progress.
func (r *Run) SetProgress(info ProgressInfo) {
	if info.Total > 0 {
		info.Percent = info.Current * 100 / info.Total
	}
	r.Progress = info.Percent
	r.Message = info.Message
	r.ProgressInfo = &info
	r.UpdatedAt = time.Now().Unix()
}

// Complete stores the report. A run with any failed or errored scenario is
// still completed; its verdict says failed.
func (r *Run) Complete(report *scenario.Report) {
	r.Report = report
	r.Verdict = VerdictPassed
	if !report.OK() {
		r.Verdict = VerdictFailed
	}
	r.Progress = 100
	r.Message = report.Summary()
	r.Error = ""
	r.SetStatus(RunStatusCompleted)
}

// Fail marks the run as unable to execute.
func (r *Run) Fail(err string) {
	r.Error = err
	r.LastError = err
	r.Message = "run failed"
	r.SetStatus(RunStatusFailed)
}

// CanRetry returns true if the run can be retried
func (r *Run) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// PrepareRetry schedules the next attempt with exponential backoff:
// delay * factor^(attempt-1), capped at MaxRetryDelay.
func (r *Run) PrepareRetry(lastErr string) {
	r.RetryCount++
	r.LastError = lastErr
	r.Message = fmt.Sprintf("retrying (%d/%d): %s", r.RetryCount, r.MaxRetries, lastErr)
	r.SetStatus(RunStatusRetrying)

	backoffFactor := 2.0
	if r.Request.Retry != nil && r.Request.Retry.BackoffFactor > 0 {
		backoffFactor = r.Request.Retry.BackoffFactor
	}
	delay := DefaultRetryDelay
	if r.Request.Retry != nil && r.Request.Retry.RetryDelay > 0 {
		delay = time.Duration(r.Request.Retry.RetryDelay) * time.Second
	}
	for i := 1; i < r.RetryCount && delay < MaxRetryDelay; i++ {
		delay = time.Duration(float64(delay) * backoffFactor)
	}
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}

	r.NextRetryAt = time.Now().Add(delay).Unix()
}

// IsExpired checks if the run has outlived its result TTL
func (r *Run) IsExpired() bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > r.ExpiresAt
}

// TimeoutDuration returns the run timeout as a time.Duration
func (r *Run) TimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return DefaultRunTimeout
	}
	return time.Duration(r.Timeout) * time.Second
}

// ToJSON serializes a run to JSON
func (r *Run) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a run from JSON
func FromJSON(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// clone copies r deeply enough for readers: the report is shared since it is
// never modified once set.
func (r *Run) clone() *Run {
	c := *r
	if r.ProgressInfo != nil {
		p := *r.ProgressInfo
		c.ProgressInfo = &p
	}
	c.Request.Scenarios = append([]string(nil), r.Request.Scenarios...)
	return &c
}

// RunCreatedResponse is returned when a run is accepted
type RunCreatedResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Scenarios []string  `json:"scenarios"`
	StatusURL string    `json:"status_url"`
	ReportURL string    `json:"report_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

func generateRunID() string {
	return "run_" + uuid.New().String()
}
