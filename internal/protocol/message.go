// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// httpTimeFormat is the RFC 7231 date layout (always GMT).
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Message is one framed HTTP/1.x request or response. Body is fully
// collected; chunked bodies have been normalized to Content-Length by
// the Reader.
type Message struct {
	IsRequest bool

	// Request fields.
	Method string
	Target string

	// Response fields.
	Status int
	Reason string

	Proto  string // "HTTP/1.0" or "HTTP/1.1"
	Header *Header
	Body   []byte

	// noBody marks messages that must not carry a body on the wire
	// (HEAD responses, 1xx/204/304) even when headers imply one.
	noBody bool

	// eofDelimited marks a response whose body ran to connection EOF;
	// the sending direction cannot be reused afterwards.
	eofDelimited bool
}

// NewResponse builds a self-contained HTTP/1.1 response, used for
// replies the proxy originates itself.
func NewResponse(status int, contentType string, body []byte) *Message {
	m := &Message{
		Status: status,
		Reason: http.StatusText(status),
		Proto:  "HTTP/1.1",
		Header: NewHeader(),
	}
	if contentType != "" {
		m.Header.Add("Content-Type", contentType)
	}
	m.Header.Add("Content-Length", strconv.Itoa(len(body)))
	m.Body = body
	return m
}

// StartLine renders the first line without the trailing CRLF.
func (m *Message) StartLine() string {
	if m.IsRequest {
		return fmt.Sprintf("%s %s %s", m.Method, m.Target, m.Proto)
	}
	return fmt.Sprintf("%s %d %s", m.Proto, m.Status, m.Reason)
}

// Kind returns "request" or "response", for logs and metrics.
func (m *Message) Kind() string {
	if m.IsRequest {
		return "request"
	}
	return "response"
}

// WantClose reports whether this message demands the connection close
// after it: an explicit Connection: close, or HTTP/1.0 without an
// explicit keep-alive, or a body that was delimited by EOF.
func (m *Message) WantClose() bool {
	if m.eofDelimited {
		return true
	}
	if m.Header.hasToken("Connection", "close") {
		return true
	}
	if m.Proto == "HTTP/1.0" {
		return !m.Header.hasToken("Connection", "keep-alive")
	}
	return false
}

// SetBody replaces the body and keeps Content-Length coherent.
func (m *Message) SetBody(b []byte) {
	m.Body = b
	if m.Header.Has("Content-Length") || len(b) > 0 {
		m.Header.Set("Content-Length", strconv.Itoa(len(b)))
	}
}

// SetConnectionClose marks the message so the peer closes after it.
func (m *Message) SetConnectionClose() {
	m.Header.Set("Connection", "close")
}

// EnsureDate adds a Date header when absent. Responses only.
func (m *Message) EnsureDate(now time.Time) {
	if !m.Header.Has("Date") {
		m.Header.Add("Date", now.UTC().Format(httpTimeFormat))
	}
}

// WriteTo serializes the message, headers in their preserved order and
// spelling.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Bytes())
	return int64(n), err
}

// Bytes renders the message as it goes on the wire.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(m.StartLine())
	buf.WriteString("\r\n")
	for _, f := range m.Header.fields {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	if !m.noBody {
		buf.Write(m.Body)
	}
	return buf.Bytes()
}

// Clone returns a deep copy; filters mutate clones, never the original.
func (m *Message) Clone() *Message {
	dup := *m
	dup.Header = m.Header.Clone()
	dup.Body = append([]byte(nil), m.Body...)
	return &dup
}
