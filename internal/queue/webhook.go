package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrdadan/flowcheck/internal/security"
)

// WebhookPayload is posted to a run's webhook when it reaches a terminal state
type WebhookPayload struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status"`
	Verdict    string    `json:"verdict,omitempty"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	Error      string    `json:"error,omitempty"`
	ReportURL  string    `json:"report_url"`
	FinishedAt int64     `json:"finished_at"`
}

// Notifier delivers webhook notifications.
type Notifier struct {
	Client    *http.Client
	PublicURL string
}

func (n *Notifier) payload(run *Run) WebhookPayload {
	p := WebhookPayload{
		RunID:      run.ID,
		Status:     run.Status,
		Verdict:    run.Verdict,
		Error:      run.Error,
		ReportURL:  fmt.Sprintf("%s/flowcheck/runs/%s/report", n.PublicURL, run.ID),
		FinishedAt: run.CompletedAt,
	}
	if run.Report != nil {
		p.Passed, p.Failed, p.Errored = run.Report.Passed, run.Report.Failed, run.Report.Errored
	}
	return p
}

// Notify posts the terminal state of run to its webhook, signing the body
// when the run carries a secret. Runs without a webhook are ignored.
func (n *Notifier) Notify(ctx context.Context, run *Run) error {
	notify := run.Request.Notify
	if notify == nil || notify.WebhookURL == "" {
		return nil
	}

	data, err := json.Marshal(n.payload(run))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notify.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowcheck-Event", "run."+string(run.Status))
	if notify.WebhookSecret != "" {
		req.Header.Set(security.SignatureHeader, security.SignPayload(data, notify.WebhookSecret))
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
