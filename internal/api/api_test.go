package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/flowcheck/internal/queue"
	"github.com/ahrdadan/flowcheck/internal/scenario"
)

type fakeQueue struct {
	mu         sync.Mutex
	runs       map[string]*queue.Run
	pending    map[string][]queue.Event
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{runs: make(map[string]*queue.Run), pending: make(map[string][]queue.Event)}
}

func (q *fakeQueue) put(run *queue.Run, pending ...queue.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs[run.ID] = run
	q.pending[run.ID] = pending
}

func (q *fakeQueue) Enqueue(run *queue.Run) (*queue.Run, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, false, q.enqueueErr
	}
	for _, existing := range q.runs {
		if run.IdempotencyKey != "" && existing.IdempotencyKey == run.IdempotencyKey {
			return existing, true, nil
		}
	}
	q.runs[run.ID] = run
	return run, false, nil
}

func (q *fakeQueue) GetRun(id string) (*queue.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrRunNotFound, id)
	}
	c := *run
	return &c, nil
}

func (q *fakeQueue) CancelRun(id string) (*queue.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrRunNotFound, id)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: run is %s", queue.ErrNotCancelable, run.Status)
	}
	run.SetStatus(queue.RunStatusCanceled)
	c := *run
	return &c, nil
}

func (q *fakeQueue) Subscribe(id string) <-chan queue.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan queue.Event, len(q.pending[id])+1)
	for _, ev := range q.pending[id] {
		ch <- ev
	}
	return ch
}

func (q *fakeQueue) Unsubscribe(string, <-chan queue.Event) {}

type fakeBrowser struct{}

func (fakeBrowser) IsRunning() bool     { return true }
func (fakeBrowser) GetEndpoint() string { return "ws://127.0.0.1:9222/devtools/browser/abc" }

func testConfig() RouteConfig {
	cfg := DefaultRouteConfig()
	cfg.Version = "test"
	cfg.PublicURL = "https://flowcheck.example"
	return cfg
}

func newTestApp(q RunQueue, cfg RouteConfig) *fiber.App {
	return NewApp(Deps{Browser: fakeBrowser{}, Runs: q, Gatherer: prometheus.NewRegistry()}, cfg)
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers ...string) (int, Response, http.Header) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return resp.StatusCode, out, resp.Header
}

func dataMap(t *testing.T, r Response) map[string]interface{} {
	t.Helper()
	m, ok := r.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", r.Data)
	return m
}

func completedRun() *queue.Run {
	run := queue.NewRun(queue.RunRequest{Scenarios: []string{"login"}})
	run.Complete(&scenario.Report{
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Passed:     1,
		Results:    []scenario.Result{{Scenario: "login", Status: scenario.StatusPassed}},
	})
	return run
}

func TestHealthAndStatus(t *testing.T) {
	app := newTestApp(newFakeQueue(), testConfig())

	code, resp, _ := doJSON(t, app, fiber.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, code)
	data := dataMap(t, resp)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
	assert.Equal(t, true, data["browser"])
	assert.Equal(t, true, data["queue"])

	code, resp, headers := doJSON(t, app, fiber.MethodGet, "/flowcheck/browser/status", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", dataMap(t, resp)["endpoint"])
	assert.NotEmpty(t, headers.Get("X-Request-ID"))

	noBrowser := NewApp(Deps{Gatherer: prometheus.NewRegistry()}, testConfig())
	_, resp, _ = doJSON(t, noBrowser, fiber.MethodGet, "/flowcheck/browser/status", "")
	assert.Equal(t, false, dataMap(t, resp)["running"])
}

func TestScenarios(t *testing.T) {
	app := newTestApp(newFakeQueue(), testConfig())

	code, resp, _ := doJSON(t, app, fiber.MethodGet, "/flowcheck/scenarios", "")
	assert.Equal(t, fiber.StatusOK, code)
	list, ok := resp.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, len(scenario.Names()))
	first := list[0].(map[string]interface{})
	assert.Equal(t, "login", first["name"])
	assert.NotEmpty(t, first["description"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "flowcheck_probe_total", Help: "probe"}).Inc()
	app := NewApp(Deps{Gatherer: reg}, testConfig())

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flowcheck_probe_total 1")
}

func TestCreateRun(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q, testConfig())

	code, resp, _ := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs",
		`{"scenarios":["login","checkout"],"base_url":"https://shop.test/","timeout":99999}`)
	require.Equal(t, fiber.StatusAccepted, code)
	data := dataMap(t, resp)
	id := data["run_id"].(string)
	assert.True(t, strings.HasPrefix(id, "run_"))
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "https://flowcheck.example/flowcheck/runs/"+id, data["status_url"])
	assert.Equal(t, "https://flowcheck.example/flowcheck/runs/"+id+"/report", data["report_url"])
	events := data["events"].(map[string]interface{})
	assert.Equal(t, "wss://flowcheck.example/flowcheck/ws?run_id="+id, events["ws_url"])

	stored, err := q.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "checkout"}, stored.Request.Scenarios)
	assert.Equal(t, int((15 * time.Minute).Seconds()), stored.Timeout, "timeout is capped")

	// empty body runs every scenario
	code, resp, _ = doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", "")
	require.Equal(t, fiber.StatusAccepted, code)
	all, err := q.GetRun(dataMap(t, resp)["run_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, scenario.Names(), all.Request.Scenarios)
}

func TestCreateRunAppliesServerDefaults(t *testing.T) {
	q := newFakeQueue()
	cfg := testConfig()
	cfg.MaxRetries = 6
	cfg.ResultTTL = time.Hour
	app := newTestApp(q, cfg)

	_, resp, _ := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", `{}`)
	run, err := q.GetRun(dataMap(t, resp)["run_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, 6, run.MaxRetries)
	assert.Equal(t, 3600, run.Request.ResultTTL)

	_, resp, _ = doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", `{"retry":{"max_retries":2},"result_ttl":60}`)
	run, err = q.GetRun(dataMap(t, resp)["run_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, 2, run.MaxRetries, "explicit values win")
	assert.Equal(t, 60, run.Request.ResultTTL)
}

func TestCreateRunIdempotency(t *testing.T) {
	app := newTestApp(newFakeQueue(), testConfig())

	_, first, headers := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", `{}`, "X-Idempotency-Key", "nightly-1")
	assert.Empty(t, headers.Get("X-Idempotency-Hit"))

	code, second, headers := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", `{}`, "X-Idempotency-Key", "nightly-1")
	assert.Equal(t, fiber.StatusAccepted, code)
	assert.Equal(t, "true", headers.Get("X-Idempotency-Hit"))
	assert.Equal(t, dataMap(t, first)["run_id"], dataMap(t, second)["run_id"])
}

func TestCreateRunRejectsBadRequests(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q, testConfig())

	tests := []struct {
		name   string
		body   string
		code   int
		errMsg string
	}{
		{"invalid json", `{"scenarios":`, fiber.StatusBadRequest, "Invalid request body"},
		{"unknown scenario", `{"scenarios":["fly"]}`, fiber.StatusBadRequest, "unknown scenarios: fly"},
		{"bad base url", `{"base_url":"shop"}`, fiber.StatusBadRequest, "base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp, _ := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", tt.body)
			assert.Equal(t, tt.code, code)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.errMsg)
		})
	}

	req := httptest.NewRequest(fiber.MethodPost, "/flowcheck/runs", strings.NewReader("a=b"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, res.StatusCode)

	q.enqueueErr = fmt.Errorf("nats: no responders")
	code, resp, _ := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", `{}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Contains(t, resp.Error, "no responders")
}

func TestRunStatusAndReport(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q, testConfig())

	running := queue.NewRun(queue.RunRequest{Scenarios: []string{"login"}})
	running.SetStatus(queue.RunStatusRunning)
	q.put(running)
	done := completedRun()
	q.put(done)

	code, resp, _ := doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/"+running.ID, "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "running", dataMap(t, resp)["status"])

	code, _, _ = doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/run_missing", "")
	assert.Equal(t, fiber.StatusNotFound, code)

	code, resp, _ = doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/"+running.ID+"/report", "")
	assert.Equal(t, fiber.StatusConflict, code)
	assert.Equal(t, "Run not finished yet", resp.Error)

	code, resp, _ = doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/"+done.ID+"/report", "")
	assert.Equal(t, fiber.StatusOK, code)
	data := dataMap(t, resp)
	assert.Equal(t, "passed", data["verdict"])
	report := data["report"].(map[string]interface{})
	assert.Equal(t, float64(1), report["passed"])

	res, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/flowcheck/runs/"+done.ID+"/report?format=text", nil))
	require.NoError(t, err)
	text, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, res.Header.Get(fiber.HeaderContentType), "text/plain")
	assert.Contains(t, string(text), "PASSED   login")
	assert.Contains(t, string(text), "1 scenarios: 1 passed, 0 failed, 0 errored")
}

func TestCancelRun(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q, testConfig())

	queued := queue.NewRun(queue.RunRequest{})
	q.put(queued)

	code, resp, _ := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs/"+queued.ID+"/cancel", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "canceled", dataMap(t, resp)["status"])

	code, resp, _ = doJSON(t, app, fiber.MethodPost, "/flowcheck/runs/"+queued.ID+"/cancel", "")
	assert.Equal(t, fiber.StatusConflict, code)
	assert.Contains(t, resp.Error, "cannot be canceled")

	code, _, _ = doJSON(t, app, fiber.MethodPost, "/flowcheck/runs/run_missing/cancel", "")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func readSSE(t *testing.T, app *fiber.App, path string) []queue.Event {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil), 5000)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get(fiber.HeaderContentType))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var events []queue.Event
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev queue.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamEvents(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q, testConfig())

	done := completedRun()
	q.put(done)
	events := readSSE(t, app, "/flowcheck/runs/"+done.ID+"/events")
	require.Len(t, events, 1, "finished runs send one snapshot")
	assert.Equal(t, queue.RunStatusCompleted, events[0].Status)

	running := queue.NewRun(queue.RunRequest{})
	running.SetStatus(queue.RunStatusRunning)
	q.put(running,
		queue.Event{RunID: running.ID, Status: queue.RunStatusRunning, Progress: 50, Message: "[1/2] login passed"},
		queue.Event{RunID: running.ID, Status: queue.RunStatusCompleted, Verdict: queue.VerdictPassed, Progress: 100},
	)
	events = readSSE(t, app, "/flowcheck/runs/"+running.ID+"/events")
	require.Len(t, events, 3)
	assert.Equal(t, 50, events[1].Progress)
	assert.Equal(t, queue.RunStatusCompleted, events[2].Status)

	code, _, _ := doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/run_missing/events", "")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestWebSocketEvents(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q, testConfig())

	running := queue.NewRun(queue.RunRequest{})
	running.SetStatus(queue.RunStatusRunning)
	q.put(running, queue.Event{RunID: running.ID, Status: queue.RunStatusCompleted, Verdict: queue.VerdictFailed, Progress: 100})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/flowcheck/ws?run_id="+running.ID, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev queue.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, queue.RunStatusRunning, ev.Status)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, queue.RunStatusCompleted, ev.Status)
	assert.Equal(t, queue.VerdictFailed, ev.Verdict)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	res, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/flowcheck/ws?run_id="+running.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, res.StatusCode)
}

func TestRunsDisabledWithoutQueue(t *testing.T) {
	app := NewApp(Deps{Gatherer: prometheus.NewRegistry()}, testConfig())

	code, resp, _ := doJSON(t, app, fiber.MethodPost, "/flowcheck/runs", `{}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Contains(t, resp.Error, "disabled")

	code, _, _ = doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/run_1", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, code)

	_, resp, _ = doJSON(t, app, fiber.MethodGet, "/health", "")
	assert.Equal(t, false, dataMap(t, resp)["queue"])
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRequests = 2
	cfg.RateLimitWindow = time.Minute
	app := newTestApp(newFakeQueue(), cfg)

	for i := 0; i < 2; i++ {
		code, _, _ := doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/run_missing", "")
		assert.Equal(t, fiber.StatusNotFound, code)
	}
	code, resp, _ := doJSON(t, app, fiber.MethodGet, "/flowcheck/runs/run_missing", "")
	assert.Equal(t, fiber.StatusTooManyRequests, code)
	assert.Equal(t, "Rate limit exceeded", resp.Error)

	code, _, _ = doJSON(t, app, fiber.MethodGet, "/flowcheck/scenarios", "")
	assert.Equal(t, fiber.StatusOK, code, "only run endpoints are limited")
}
