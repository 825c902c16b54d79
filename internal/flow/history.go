// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"time"
)

type chunk struct {
	data []byte
	ts   time.Time
}

// History is the bounded FIFO record of bytes relayed in one direction.
// Appends past the capacity evict the oldest bytes; the ring never holds
// more than its configured maximum. Safe for concurrent use.
//
// In HTTP mode only message bodies are appended here; headers are not
// part of history accounting.
type History struct {
	mu     sync.Mutex
	max    uint64
	size   uint64
	chunks []chunk
}

// NewHistory returns a history ring holding at most max bytes.
func NewHistory(max uint64) *History {
	return &History{max: max}
}

// Append copies p into the ring, evicting oldest bytes as needed. A p
// larger than the whole ring keeps only its newest max bytes.
func (h *History) Append(p []byte, ts time.Time) {
	if len(p) == 0 || h.max == 0 {
		return
	}
	if uint64(len(p)) > h.max {
		p = p[uint64(len(p))-h.max:]
	}
	data := make([]byte, len(p))
	copy(data, p)

	h.mu.Lock()
	h.chunks = append(h.chunks, chunk{data: data, ts: ts})
	h.size += uint64(len(data))
	for h.size > h.max {
		over := h.size - h.max
		first := &h.chunks[0]
		if uint64(len(first.data)) <= over {
			h.size -= uint64(len(first.data))
			first.data = nil // release before the slice header moves past it
			h.chunks = h.chunks[1:]
			continue
		}
		first.data = first.data[over:]
		h.size -= over
	}
	h.mu.Unlock()
}

// Len returns the current number of retained bytes.
func (h *History) Len() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Max returns the ring capacity in bytes.
func (h *History) Max() uint64 { return h.max }

// Bytes returns a copy of the retained bytes, oldest first.
func (h *History) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]byte, 0, h.size)
	for _, c := range h.chunks {
		out = append(out, c.data...)
	}
	return out
}

// Tail returns a copy of the newest n retained bytes.
func (h *History) Tail(n int) []byte {
	b := h.Bytes()
	if n < 0 || n >= len(b) {
		return b
	}
	return b[len(b)-n:]
}
