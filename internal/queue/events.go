package queue

import (
	"sync"
)

// Event is a run state change pushed to SSE and WebSocket subscribers
type Event struct {
	RunID    string        `json:"run_id"`
	Status   RunStatus     `json:"status"`
	Verdict  string        `json:"verdict,omitempty"`
	Progress int           `json:"progress"`
	Message  string        `json:"message,omitempty"`
	Info     *ProgressInfo `json:"progress_info,omitempty"`
}

// EventFor snapshots run as an event.
func EventFor(run *Run) Event {
	return Event{
		RunID:    run.ID,
		Status:   run.Status,
		Verdict:  run.Verdict,
		Progress: run.Progress,
		Message:  run.Message,
		Info:     run.ProgressInfo,
	}
}

// EventHub manages event subscriptions
type EventHub struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription for run events
func (h *EventHub) Subscribe(runID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	h.subscribers[runID] = append(h.subscribers[runID], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel
func (h *EventHub) Unsubscribe(runID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[runID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(h.subscribers[runID]) == 0 {
		delete(h.subscribers, runID)
	}
}

// Emit sends an event to all subscribers of a run. Slow subscribers miss
// progress events rather than block the worker. A terminal event is always
// delivered, displacing the oldest buffered one if needed, and then ends the
// run's subscriptions.
func (h *EventHub) Emit(event Event) {
	if !event.Status.Terminal() {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for _, ch := range h.subscribers[event.RunID] {
			select {
			case ch <- event:
			default:
			}
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[event.RunID] {
		for delivered := false; !delivered; {
			select {
			case ch <- event:
				delivered = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
		close(ch)
	}
	delete(h.subscribers, event.RunID)
}

// Subscribers returns how many subscriptions a run has.
func (h *EventHub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[runID])
}

// Close closes all subscriptions
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for runID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, runID)
	}
}
