package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/flowcheck/internal/metrics"
	"github.com/ahrdadan/flowcheck/internal/scenario"
	"github.com/ahrdadan/flowcheck/internal/security"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*fakeMsg
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if subject != SubjectName {
		return nil, errors.New("unexpected subject " + subject)
	}
	p.msgs = append(p.msgs, &fakeMsg{data: append([]byte(nil), payload...)})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(p.msgs))}, nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *recordingPublisher) last() *fakeMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

// fakeMsg implements the jetstream.Msg methods the manager calls; any other
// method panics through the nil embedded interface.
type fakeMsg struct {
	jetstream.Msg
	data []byte

	mu       sync.Mutex
	acked    bool
	termed   bool
	nakDelay time.Duration
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nakDelay = d
	return nil
}

func (m *fakeMsg) state() (acked, termed bool, nak time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.termed, m.nakDelay
}

type processorFunc func(ctx context.Context, run *Run, progress func(ProgressInfo)) (*scenario.Report, error)

func (f processorFunc) Process(ctx context.Context, run *Run, progress func(ProgressInfo)) (*scenario.Report, error) {
	return f(ctx, run, progress)
}

func reportOf(statuses ...scenario.Status) *scenario.Report {
	r := &scenario.Report{StartedAt: time.Now(), FinishedAt: time.Now()}
	for i, st := range statuses {
		r.Results = append(r.Results, scenario.Result{Scenario: "s" + string(rune('a'+i)), Status: st})
		switch st {
		case scenario.StatusPassed:
			r.Passed++
		case scenario.StatusFailed:
			r.Failed++
		default:
			r.Errored++
		}
	}
	return r
}

func passing(ctx context.Context, run *Run, progress func(ProgressInfo)) (*scenario.Report, error) {
	progress(ProgressInfo{Current: 1, Total: 1, Scenario: "login", Status: "passed", Message: "[1/1] login passed"})
	return reportOf(scenario.StatusPassed), nil
}

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *recordingPublisher) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	pub := &recordingPublisher{}
	m := newManager(pub, nil, opts)
	t.Cleanup(m.Stop)
	return m, pub
}

func enqueue(t *testing.T, m *Manager, req RunRequest) *Run {
	t.Helper()
	run, dup, err := m.Enqueue(NewRun(req))
	require.NoError(t, err)
	require.False(t, dup)
	return run
}

func TestRunRequestNormalize(t *testing.T) {
	req := RunRequest{Timeout: 3600, Retry: &RetryConfig{MaxRetries: 50}}
	require.NoError(t, req.Normalize(15*time.Minute))
	assert.Equal(t, scenario.Names(), req.Scenarios)
	assert.Equal(t, 900, req.Timeout)
	assert.Equal(t, 10, req.Retry.MaxRetries)

	tests := []struct {
		name   string
		req    RunRequest
		errMsg string
	}{
		{"unknown scenario", RunRequest{Scenarios: []string{"login", "fly"}}, "unknown scenarios: fly"},
		{"relative base url", RunRequest{BaseURL: "/shop"}, "base_url"},
		{"ftp base url", RunRequest{BaseURL: "ftp://shop.test/"}, "base_url"},
		{"bad webhook", RunRequest{Notify: &NotifyConfig{WebhookURL: "hooks"}}, "webhook_url"},
		{"negative timeout", RunRequest{Timeout: -1}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Normalize(time.Minute)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewRunDefaults(t *testing.T) {
	run := NewRun(RunRequest{Scenarios: []string{"login"}, IdempotencyKey: "k1"})
	assert.True(t, strings.HasPrefix(run.ID, "run_"))
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.Equal(t, DefaultMaxRetries, run.MaxRetries)
	assert.Equal(t, DefaultRunTimeout, run.TimeoutDuration())
	assert.Equal(t, "k1", run.IdempotencyKey)
	assert.False(t, run.IsExpired())
	assert.NotEqual(t, run.ID, NewRun(RunRequest{}).ID)
}

func TestPrepareRetryBackoff(t *testing.T) {
	run := NewRun(RunRequest{Retry: &RetryConfig{MaxRetries: 5, RetryDelay: 10, BackoffFactor: 3}})

	expected := []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second, 270 * time.Second, MaxRetryDelay}
	for i, want := range expected {
		require.True(t, run.CanRetry())
		run.PrepareRetry("browser unavailable")
		assert.Equal(t, i+1, run.RetryCount)
		assert.Equal(t, RunStatusRetrying, run.Status)
		got := time.Until(time.Unix(run.NextRetryAt, 0))
		assert.InDelta(t, want.Seconds(), got.Seconds(), 1.5, "retry %d", i+1)
	}
	assert.False(t, run.CanRetry())
	assert.Equal(t, "retrying (5/5): browser unavailable", run.Message)
}

func TestRunCompleteVerdict(t *testing.T) {
	run := NewRun(RunRequest{})
	run.Complete(reportOf(scenario.StatusPassed, scenario.StatusPassed))
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, VerdictPassed, run.Verdict)
	assert.Equal(t, 100, run.Progress)
	assert.NotZero(t, run.CompletedAt)

	run = NewRun(RunRequest{})
	run.Complete(reportOf(scenario.StatusPassed, scenario.StatusErrored))
	assert.Equal(t, RunStatusCompleted, run.Status, "scenario errors are results, not run failures")
	assert.Equal(t, VerdictFailed, run.Verdict)
}

func TestStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStore(time.Hour, logger)
	defer s.Stop()

	run := NewRun(RunRequest{IdempotencyKey: "same"})
	stored, existing := s.Save(run)
	require.False(t, existing)

	again, existing := s.Save(NewRun(RunRequest{IdempotencyKey: "same"}))
	assert.True(t, existing)
	assert.Equal(t, stored.ID, again.ID)

	got, err := s.Get(run.ID)
	require.NoError(t, err)
	got.Status = RunStatusFailed
	fresh, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusQueued, fresh.Status, "readers get copies")

	_, err = s.Update(run.ID, func(r *Run) { r.ExpiresAt = time.Now().Add(-time.Minute).Unix() })
	require.NoError(t, err)
	_, err = s.Get(run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Empty(t, s.List())

	assert.Equal(t, 1, s.cleanupExpired())
	_, existing = s.Save(NewRun(RunRequest{IdempotencyKey: "same"}))
	assert.False(t, existing, "expired runs release their idempotency key")

	_, err = s.Update("run_missing", func(*Run) {})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestEnqueue(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})

	run := enqueue(t, m, RunRequest{Scenarios: []string{"login"}, IdempotencyKey: "k"})
	require.Equal(t, 1, pub.count())

	queued, err := FromJSON(pub.last().Data())
	require.NoError(t, err)
	assert.Equal(t, run.ID, queued.ID)
	assert.Equal(t, []string{"login"}, queued.Request.Scenarios)

	dup, isDup, err := m.Enqueue(NewRun(RunRequest{IdempotencyKey: "k"}))
	require.NoError(t, err)
	assert.True(t, isDup)
	assert.Equal(t, run.ID, dup.ID)
	assert.Equal(t, 1, pub.count(), "duplicates are not published")
}

func TestEnqueuePublishFailure(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})
	pub.err = errors.New("no responders")

	run := NewRun(RunRequest{})
	_, _, err := m.Enqueue(run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")

	_, err = m.GetRun(run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestProcessMessageCompletesRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, pub := newTestManager(t, ManagerOptions{Metrics: metrics.New(reg)})

	run := enqueue(t, m, RunRequest{Scenarios: []string{"login"}})
	events := m.Subscribe(run.ID)

	msg := pub.last()
	m.processMessage(msg, processorFunc(passing))

	acked, _, _ := msg.state()
	assert.True(t, acked)

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, VerdictPassed, got.Verdict)
	require.NotNil(t, got.Report)
	assert.Equal(t, 1, got.Report.Passed)
	assert.NotZero(t, got.StartedAt)

	evs := drain(events)
	require.NotEmpty(t, evs)
	var statuses []RunStatus
	for _, ev := range evs {
		statuses = append(statuses, ev.Status)
	}
	assert.Contains(t, statuses, RunStatusRunning)
	assert.Equal(t, RunStatusCompleted, evs[len(evs)-1].Status)
	assert.Equal(t, 100, evs[len(evs)-1].Progress)

	expected := `
# HELP flowcheck_runs_total Queued runs by terminal status.
# TYPE flowcheck_runs_total counter
flowcheck_runs_total{status="passed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "flowcheck_runs_total"))
}

func TestProcessMessageFailedScenariosAreResults(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})
	run := enqueue(t, m, RunRequest{})

	m.processMessage(pub.last(), processorFunc(func(context.Context, *Run, func(ProgressInfo)) (*scenario.Report, error) {
		return reportOf(scenario.StatusPassed, scenario.StatusFailed), nil
	}))

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, VerdictFailed, got.Verdict)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, pub.count(), "no retry for scenario failures")
}

func TestProcessMessageRetriesInfrastructureErrors(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})
	run := enqueue(t, m, RunRequest{Retry: &RetryConfig{MaxRetries: 1, RetryDelay: 30}})

	unavailable := processorFunc(func(context.Context, *Run, func(ProgressInfo)) (*scenario.Report, error) {
		return nil, errors.New("browser unavailable: connection refused")
	})

	first := pub.last()
	m.processMessage(first, unavailable)
	acked, _, _ := first.state()
	assert.True(t, acked)

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "connection refused")
	require.Equal(t, 2, pub.count(), "retry is re-published")

	// delivered before its backoff elapsed
	retry := pub.last()
	m.processMessage(retry, unavailable)
	_, _, nak := retry.state()
	assert.Greater(t, nak, 20*time.Second)

	_, err = m.store.Update(run.ID, func(r *Run) { r.NextRetryAt = 0 })
	require.NoError(t, err)
	retry = &fakeMsg{data: retry.data}
	m.processMessage(retry, unavailable)

	got, err = m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status, "retries exhausted")
	assert.Contains(t, got.Error, "browser unavailable")
	assert.Equal(t, 2, pub.count())
}

func TestProcessMessagePermanentErrorIsNotRetried(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})
	run := enqueue(t, m, RunRequest{})

	m.processMessage(pub.last(), processorFunc(func(context.Context, *Run, func(ProgressInfo)) (*scenario.Report, error) {
		return nil, Permanent(errors.New("profile broken"))
	}))

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "profile broken", got.Error)
	assert.Equal(t, 1, pub.count())
}

func TestProcessMessageDropsUnknownRuns(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{})

	data, err := NewRun(RunRequest{}).ToJSON()
	require.NoError(t, err)
	msg := &fakeMsg{data: data}
	m.processMessage(msg, processorFunc(passing))
	_, termed, _ := msg.state()
	assert.True(t, termed)

	garbage := &fakeMsg{data: []byte("{not json")}
	m.processMessage(garbage, processorFunc(passing))
	_, termed, _ = garbage.state()
	assert.True(t, termed)
}

func TestCancelQueuedRun(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})
	run := enqueue(t, m, RunRequest{})

	canceled, err := m.CancelRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, canceled.Status)

	msg := pub.last()
	m.processMessage(msg, processorFunc(func(context.Context, *Run, func(ProgressInfo)) (*scenario.Report, error) {
		t.Fatal("canceled run must not execute")
		return nil, nil
	}))
	acked, _, _ := msg.state()
	assert.True(t, acked)

	_, err = m.CancelRun(run.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)

	_, err = m.CancelRun("run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelRunningRun(t *testing.T) {
	m, pub := newTestManager(t, ManagerOptions{})
	run := enqueue(t, m, RunRequest{})

	started := make(chan struct{})
	done := make(chan struct{})
	msg := pub.last()
	go func() {
		defer close(done)
		m.processMessage(msg, processorFunc(func(ctx context.Context, _ *Run, _ func(ProgressInfo)) (*scenario.Report, error) {
			close(started)
			<-ctx.Done()
			return reportOf(scenario.StatusPassed, scenario.StatusErrored), nil
		}))
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	_, err := m.CancelRun(run.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("canceling did not stop the run")
	}

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, got.Status)
	require.NotNil(t, got.Report, "partial report is kept")
	assert.Equal(t, 1, got.Report.Passed)
	acked, _, _ := msg.state()
	assert.True(t, acked)
}

func TestStopWaitsForWebhooksAndRefusesNewOnes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, _ := newTestManager(t, ManagerOptions{Notifier: &Notifier{Client: srv.Client()}})
	notify := &NotifyConfig{WebhookURL: srv.URL}
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, enqueue(t, m, RunRequest{Notify: notify}).ID)
	}
	late := enqueue(t, m, RunRequest{Notify: notify})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = m.CancelRun(id)
		}(id)
	}
	m.Stop()
	wg.Wait()
	sent := hits.Load()
	assert.LessOrEqual(t, sent, int32(len(ids)))

	run, err := m.CancelRun(late.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, run.Status)
	assert.Never(t, func() bool { return hits.Load() != sent }, 100*time.Millisecond, 10*time.Millisecond,
		"no webhook leaves a stopped queue")
}

func TestWebhookIsSigned(t *testing.T) {
	type delivery struct {
		body   []byte
		header http.Header
	}
	received := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{body: body, header: r.Header.Clone()}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, pub := newTestManager(t, ManagerOptions{
		Notifier: &Notifier{Client: srv.Client(), PublicURL: "http://flowcheck.local"},
	})
	run := enqueue(t, m, RunRequest{Notify: &NotifyConfig{WebhookURL: srv.URL, WebhookSecret: "s3cret"}})
	m.processMessage(pub.last(), processorFunc(passing))

	var d delivery
	select {
	case d = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}

	assert.Equal(t, "run.completed", d.header.Get("X-Flowcheck-Event"))
	assert.True(t, security.VerifySignature(d.body, d.header.Get(security.SignatureHeader), "s3cret"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(d.body, &payload))
	assert.Equal(t, run.ID, payload.RunID)
	assert.Equal(t, RunStatusCompleted, payload.Status)
	assert.Equal(t, VerdictPassed, payload.Verdict)
	assert.Equal(t, 1, payload.Passed)
	assert.Equal(t, "http://flowcheck.local/flowcheck/runs/"+run.ID+"/report", payload.ReportURL)
}

func TestNotifierReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(security.SignatureHeader), "no secret, no signature")
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &Notifier{Client: srv.Client()}
	run := NewRun(RunRequest{Notify: &NotifyConfig{WebhookURL: srv.URL}})
	run.Fail("browser unavailable")

	err := n.Notify(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.NoError(t, n.Notify(context.Background(), NewRun(RunRequest{})), "runs without webhook are skipped")
}

func TestEventHub(t *testing.T) {
	h := NewEventHub()
	a := h.Subscribe("run_1")
	b := h.Subscribe("run_1")
	other := h.Subscribe("run_2")
	assert.Equal(t, 2, h.Subscribers("run_1"))

	h.Emit(Event{RunID: "run_1", Status: RunStatusRunning})
	assert.Equal(t, RunStatusRunning, (<-a).Status)
	assert.Equal(t, RunStatusRunning, (<-b).Status)
	assert.Empty(t, drain(other))

	h.Unsubscribe("run_1", a)
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers("run_1"))

	h.Close()
	_, open = <-b
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("run_1"))
}

func TestEventHubAlwaysDeliversTerminalEvent(t *testing.T) {
	h := NewEventHub()
	slow := h.Subscribe("run_1")

	for i := 0; i < 40; i++ {
		h.Emit(Event{RunID: "run_1", Status: RunStatusRunning, Progress: i})
	}
	h.Emit(Event{RunID: "run_1", Status: RunStatusCompleted, Verdict: VerdictPassed})

	evs := drain(slow)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, RunStatusCompleted, last.Status)
	assert.Equal(t, VerdictPassed, last.Verdict)

	_, open := <-slow
	assert.False(t, open, "a finished run ends its subscriptions")
	assert.Zero(t, h.Subscribers("run_1"))

	// unsubscribing after the run finished is harmless
	h.Unsubscribe("run_1", slow)
}
