package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/flowcheck/internal/queue"
)

const sseKeepAlive = 15 * time.Second

// RunQueue is the part of queue.Manager the run endpoints use.
type RunQueue interface {
	Enqueue(run *queue.Run) (*queue.Run, bool, error)
	GetRun(id string) (*queue.Run, error)
	CancelRun(id string) (*queue.Run, error)
	Subscribe(id string) <-chan queue.Event
	Unsubscribe(id string, ch <-chan queue.Event)
}

// RunHandler handles run-related API requests
type RunHandler struct {
	runs       RunQueue
	publicURL  string
	maxTimeout time.Duration

	// MaxRetries and ResultTTL fill in requests that leave them unset.
	MaxRetries int
	ResultTTL  time.Duration
}

// NewRunHandler creates a new run handler. publicURL prefixes the links in
// responses; maxTimeout caps requested run timeouts.
func NewRunHandler(runs RunQueue, publicURL string, maxTimeout time.Duration) *RunHandler {
	return &RunHandler{
		runs:       runs,
		publicURL:  strings.TrimRight(publicURL, "/"),
		maxTimeout: maxTimeout,
	}
}

func runError(err error) error {
	switch {
	case errors.Is(err, queue.ErrRunNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	case errors.Is(err, queue.ErrNotCancelable):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}

func (h *RunHandler) created(run *queue.Run) queue.RunCreatedResponse {
	base := fmt.Sprintf("%s/flowcheck/runs/%s", h.publicURL, run.ID)
	resp := queue.RunCreatedResponse{
		RunID:     run.ID,
		Status:    run.Status,
		Scenarios: run.Request.Scenarios,
		StatusURL: base,
		ReportURL: base + "/report",
	}
	resp.Events.SSEURL = base + "/events"

	wsBase := h.publicURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	resp.Events.WSURL = fmt.Sprintf("%s/flowcheck/ws?run_id=%s", wsBase, run.ID)
	return resp
}

func (h *RunHandler) applyDefaults(req *queue.RunRequest) {
	if h.MaxRetries > 0 {
		if req.Retry == nil {
			req.Retry = &queue.RetryConfig{}
		}
		if req.Retry.MaxRetries == 0 {
			req.Retry.MaxRetries = h.MaxRetries
		}
	}
	if req.ResultTTL == 0 && h.ResultTTL > 0 {
		req.ResultTTL = int(h.ResultTTL.Seconds())
	}
}

// CreateRun queues a run. An empty body runs every scenario.
// POST /flowcheck/runs
func (h *RunHandler) CreateRun(c *fiber.Ctx) error {
	var req queue.RunRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	if key := c.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	h.applyDefaults(&req)
	if err := req.Normalize(h.maxTimeout); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	run, duplicate, err := h.runs.Enqueue(queue.NewRun(req))
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, fmt.Sprintf("Failed to enqueue run: %v", err))
	}
	if duplicate {
		c.Set("X-Idempotency-Hit", "true")
	}

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data:    h.created(run),
	})
}

// GetRunStatus returns the status of a run
// GET /flowcheck/runs/:run_id
func (h *RunHandler) GetRunStatus(c *fiber.Ctx) error {
	run, err := h.runs.GetRun(c.Params("run_id"))
	if err != nil {
		return runError(err)
	}

	response := fiber.Map{
		"run_id":     run.ID,
		"status":     run.Status,
		"progress":   run.Progress,
		"message":    run.Message,
		"scenarios":  run.Request.Scenarios,
		"created_at": run.CreatedAt,
		"updated_at": run.UpdatedAt,
	}
	if run.Verdict != "" {
		response["verdict"] = run.Verdict
	}
	if run.ProgressInfo != nil {
		response["progress_info"] = run.ProgressInfo
	}
	if run.Error != "" {
		response["error"] = run.Error
	}

	if run.Status == queue.RunStatusRetrying || run.RetryCount > 0 {
		retry := fiber.Map{
			"retry_count": run.RetryCount,
			"max_retries": run.MaxRetries,
			"last_error":  run.LastError,
		}
		if run.NextRetryAt > 0 {
			retry["next_retry_at"] = time.Unix(run.NextRetryAt, 0).UTC().Format(time.RFC3339)
		}
		response["retry_info"] = retry
	}
	if run.ExpiresAt > 0 {
		response["expires_at"] = time.Unix(run.ExpiresAt, 0).UTC().Format(time.RFC3339)
	}

	return c.JSON(Response{Success: true, Data: response})
}

// GetRunReport returns the report of a finished run, as JSON or, with
// ?format=text, as the same text the CLI prints.
// GET /flowcheck/runs/:run_id/report
func (h *RunHandler) GetRunReport(c *fiber.Ctx) error {
	run, err := h.runs.GetRun(c.Params("run_id"))
	if err != nil {
		return runError(err)
	}
	if !run.Status.Terminal() {
		return fiber.NewError(fiber.StatusConflict, "Run not finished yet")
	}

	if c.Query("format") == "text" {
		if run.Report == nil {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("Run %s has no report: %s", run.Status, run.Error))
		}
		var b strings.Builder
		if err := run.Report.WriteText(&b); err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(b.String())
	}

	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"run_id":  run.ID,
			"status":  run.Status,
			"verdict": run.Verdict,
			"report":  run.Report,
			"error":   run.Error,
		},
	})
}

// CancelRun cancels a queued or running run
// POST /flowcheck/runs/:run_id/cancel
func (h *RunHandler) CancelRun(c *fiber.Ctx) error {
	run, err := h.runs.CancelRun(c.Params("run_id"))
	if err != nil {
		return runError(err)
	}

	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"run_id": run.ID,
			"status": run.Status,
		},
	})
}

func writeSSE(w *bufio.Writer, ev queue.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, data); err != nil {
		return err
	}
	return w.Flush()
}

// StreamEvents streams run events via SSE until the run finishes
// GET /flowcheck/runs/:run_id/events
func (h *RunHandler) StreamEvents(c *fiber.Ctx) error {
	id := c.Params("run_id")

	// subscribe before the snapshot so no transition falls in between
	events := h.runs.Subscribe(id)
	run, err := h.runs.GetRun(id)
	if err != nil {
		h.runs.Unsubscribe(id, events)
		return runError(err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.runs.Unsubscribe(id, events)

		if err := writeSSE(w, queue.EventFor(run)); err != nil || run.Status.Terminal() {
			return
		}

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeSSE(w, ev); err != nil || ev.Status.Terminal() {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

// HandleWebSocket streams run events over a WebSocket until the run finishes
// GET /flowcheck/ws?run_id=
func (h *RunHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	id := c.Query("run_id")
	if id == "" {
		_ = c.WriteJSON(Response{Success: false, Error: "run_id is required"})
		return
	}

	events := h.runs.Subscribe(id)
	defer h.runs.Unsubscribe(id, events)

	run, err := h.runs.GetRun(id)
	if err != nil {
		_ = c.WriteJSON(Response{Success: false, Error: "run not found"})
		return
	}

	if err := c.WriteJSON(queue.EventFor(run)); err != nil || run.Status.Terminal() {
		closeNormally(c)
		return
	}

	for ev := range events {
		if err := c.WriteJSON(ev); err != nil {
			return
		}
		if ev.Status.Terminal() {
			break
		}
	}
	closeNormally(c)
}

func closeNormally(c *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
