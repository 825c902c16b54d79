// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events is the in-process notification hub. Subsystems publish
// typed events (flow lifecycle, filter reloads, capture rotation, backend
// health) and the admin API serves them, live over websocket and as a
// bounded ring of recent history.
package events

import (
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	FlowOpened         Type = "flow_opened"
	FlowClosed         Type = "flow_closed"
	FilterReloaded     Type = "filter_reloaded"
	FilterReloadFailed Type = "filter_reload_failed"
	CaptureRotated     Type = "capture_rotated"
	CaptureFailed      Type = "capture_failed"
	BackendUp          Type = "backend_up"
	BackendDown        Type = "backend_down"
)

// Event is one hub notification. Fields carries event-specific details
// and must be JSON-serializable.
type Event struct {
	Type    Type           `json:"type"`
	Service string         `json:"service,omitempty"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// DefaultRecentSize is how many events the hub retains for the admin API.
const DefaultRecentSize = 256

// subscriberBuffer is the per-subscriber channel depth. Publish never
// blocks; a subscriber that falls further behind than this loses events.
const subscriberBuffer = 64

// Hub fans events out to subscribers and retains a bounded ring of
// recent events. Safe for concurrent use. Publishing never blocks the
// caller: slow subscribers drop events rather than stalling flows.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int

	recent []Event
	head   int
	count  int
}

// NewHub returns a hub retaining recentSize events (DefaultRecentSize
// when recentSize <= 0).
func NewHub(recentSize int) *Hub {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		recent: make([]Event, recentSize),
	}
}

// Publish stamps ev with the current time when unset, records it in the
// recent ring, and offers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	h.recent[h.head] = ev
	h.head = (h.head + 1) % len(h.recent)
	if h.count < len(h.recent) {
		h.count++
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel; it is safe to call
// more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Recent returns the retained events, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	start := h.head - h.count
	if start < 0 {
		start += len(h.recent)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.recent[(start+i)%len(h.recent)])
	}
	return out
}
