// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"strings"
)

// Field is one header line as it appeared (or will appear) on the wire.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered HTTP/1.x header map. Lookups are
// case-insensitive; order and spelling are preserved for the wire, which
// matters when the traffic under inspection fingerprints its peers.
type Header struct {
	fields []Field
}

// NewHeader returns an empty header.
func NewHeader() *Header { return &Header{} }

// Add appends a field, keeping its spelling.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the first value for name.
func (h *Header) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name, in wire order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Set replaces the value of the first field matching name, keeping that
// field's position and spelling, and removes any later duplicates. A
// missing field is appended with the given spelling.
func (h *Header) Set(name, value string) {
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.Add(name, value)
	}
}

// Del removes every field matching name and reports whether any were
// present.
func (h *Header) Del(name string) bool {
	out := h.fields[:0]
	removed := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			removed = true
			continue
		}
		out = append(out, f)
	}
	h.fields = out
	return removed
}

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// Fields returns a copy of the fields in wire order.
func (h *Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	return &Header{fields: h.Fields()}
}

// hasToken reports whether any field named name contains token in its
// comma-separated value list. Used for Connection semantics.
func (h *Header) hasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
