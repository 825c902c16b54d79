// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"grimm.is/flytrap/internal/errors"
)

// maxHeaderBytes caps the start-line plus header block of one message.
const maxHeaderBytes = 64 << 10

// maxChunkLine caps a chunk-size line (hex size plus extensions).
const maxChunkLine = 256

// maxTrailerBytes caps the trailer block of a chunked body.
const maxTrailerBytes = 8 << 10

// Reader incrementally frames HTTP/1.x messages from a byte stream.
// Bodies are collected in full: Content-Length bodies are read exactly,
// chunked bodies are de-chunked and normalized to Content-Length, and
// EOF-delimited response bodies are read to connection end. A body
// exceeding maxBody aborts with KindBodyTooLarge before any of it is
// handed on.
type Reader struct {
	br      *bufio.Reader
	maxBody uint64
}

// NewReader wraps r. maxBody bounds every message body.
func NewReader(r io.Reader, maxBody uint64) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 8<<10), maxBody: maxBody}
}

// ReadRequest frames the next request. A clean end of stream before any
// byte of a new request yields io.EOF.
func (r *Reader) ReadRequest() (*Message, error) {
	budget := maxHeaderBytes
	line, err := r.readLine(&budget)
	if err != nil {
		return nil, err
	}
	// Tolerate stray blank lines between pipelined requests.
	for line == "" {
		if line, err = r.readLine(&budget); err != nil {
			return nil, err
		}
	}

	m, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	if err := r.readHeader(m, &budget); err != nil {
		return nil, err
	}
	if err := r.readBody(m, ""); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadResponse frames the next response. reqMethod is the method of the
// request it answers (HEAD responses carry no body). A clean end of
// stream yields io.EOF.
func (r *Reader) ReadResponse(reqMethod string) (*Message, error) {
	budget := maxHeaderBytes
	line, err := r.readLine(&budget)
	if err != nil {
		return nil, err
	}

	m, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}
	if err := r.readHeader(m, &budget); err != nil {
		return nil, err
	}
	if err := r.readBody(m, reqMethod); err != nil {
		return nil, err
	}
	return m, nil
}

// readLine consumes one CRLF- (or LF-) terminated line, charging the
// shared header budget.
func (r *Reader) readLine(budget *int) (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	*budget -= len(line)
	if *budget < 0 {
		return "", fmt.Errorf("header block exceeds %d bytes", maxHeaderBytes)
	}
	return trimLineEnd(line), nil
}

func (r *Reader) readLineLimited(max int) (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) > max {
		return "", fmt.Errorf("line exceeds %d bytes", max)
	}
	return trimLineEnd(line), nil
}

func trimLineEnd(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

func parseRequestLine(line string) (*Message, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !validToken(method) {
		return nil, fmt.Errorf("invalid method %q", method)
	}
	if target == "" {
		return nil, fmt.Errorf("missing request target")
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	return &Message{
		IsRequest: true,
		Method:    method,
		Target:    target,
		Proto:     proto,
		Header:    NewHeader(),
	}, nil
}

func parseStatusLine(line string) (*Message, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	proto := parts[0]
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	if len(parts[1]) != 3 {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return &Message{
		Status: status,
		Reason: reason,
		Proto:  proto,
		Header: NewHeader(),
	}, nil
}

func (r *Reader) readHeader(m *Message, budget *int) error {
	for {
		line, err := r.readLine(budget)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if line == "" {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return fmt.Errorf("obsolete header line folding not supported")
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return fmt.Errorf("malformed header line %q", line)
		}
		name := line[:i]
		if !validToken(name) {
			return fmt.Errorf("invalid header name %q", name)
		}
		m.Header.Add(name, strings.Trim(line[i+1:], " \t"))
	}
}

// Interim reports a 1xx response: forwarded as-is, with the final
// response for the same request still to come.
func (m *Message) Interim() bool {
	return !m.IsRequest && m.Status >= 100 && m.Status < 200
}

func (r *Reader) readBody(m *Message, reqMethod string) error {
	if !m.IsRequest {
		if reqMethod == "HEAD" || m.Status/100 == 1 || m.Status == 204 || m.Status == 304 {
			m.noBody = true
			return nil
		}
	}

	if m.Header.Has("Transfer-Encoding") {
		return r.readChunked(m)
	}

	if cl, present, err := contentLength(m.Header); err != nil {
		return err
	} else if present {
		if cl > r.maxBody {
			return errors.Errorf(errors.KindBodyTooLarge,
				"declared body of %d bytes exceeds limit of %d", cl, r.maxBody)
		}
		body := make([]byte, cl)
		if _, err := io.ReadFull(r.br, body); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		m.Body = body
		return nil
	}

	if m.IsRequest {
		// No framing headers: requests have no body.
		return nil
	}

	// Response delimited by connection end.
	body, err := io.ReadAll(io.LimitReader(r.br, int64(r.maxBody)+1))
	if err != nil {
		return err
	}
	if uint64(len(body)) > r.maxBody {
		return errors.Errorf(errors.KindBodyTooLarge,
			"body exceeds limit of %d bytes", r.maxBody)
	}
	m.Body = body
	m.eofDelimited = true
	m.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// readChunked collects a chunked body, bounded by maxBody, and
// normalizes the message to Content-Length framing. Trailers cannot be
// represented after normalization and are dropped.
func (r *Reader) readChunked(m *Message) error {
	codings := transferCodings(m.Header)
	if len(codings) == 0 || !strings.EqualFold(codings[len(codings)-1], "chunked") {
		return fmt.Errorf("chunked must be the final transfer coding")
	}
	if len(codings) > 1 {
		return fmt.Errorf("unsupported transfer coding %q", codings[0])
	}

	var body bytes.Buffer
	for {
		line, err := r.readLineLimited(maxChunkLine)
		if err != nil {
			return err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i] // chunk extensions are ignored
		}
		size, err := strconv.ParseUint(strings.TrimSpace(line), 16, 63)
		if err != nil {
			return fmt.Errorf("malformed chunk size %q", line)
		}
		if size == 0 {
			break
		}
		if uint64(body.Len())+size > r.maxBody {
			return errors.Errorf(errors.KindBodyTooLarge,
				"chunked body exceeds limit of %d bytes", r.maxBody)
		}
		if _, err := io.CopyN(&body, r.br, int64(size)); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if err := r.expectCRLF(); err != nil {
			return err
		}
	}

	// Trailer block: read and drop until the empty line.
	remaining := maxTrailerBytes
	for {
		line, err := r.readLineLimited(remaining)
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		remaining -= len(line) + 2
		if remaining <= 0 {
			return fmt.Errorf("trailer block exceeds %d bytes", maxTrailerBytes)
		}
	}

	m.Body = body.Bytes()
	m.Header.Del("Transfer-Encoding")
	m.Header.Set("Content-Length", strconv.Itoa(len(m.Body)))
	return nil
}

func (r *Reader) expectCRLF() error {
	line, err := r.readLineLimited(2)
	if err != nil {
		return err
	}
	if line != "" {
		return fmt.Errorf("malformed chunk terminator")
	}
	return nil
}

// contentLength folds the Content-Length fields; duplicates must agree.
func contentLength(h *Header) (uint64, bool, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}
	first := strings.TrimSpace(values[0])
	for _, v := range values[1:] {
		if strings.TrimSpace(v) != first {
			return 0, false, fmt.Errorf("conflicting Content-Length values")
		}
	}
	n, err := strconv.ParseUint(first, 10, 63)
	if err != nil {
		return 0, false, fmt.Errorf("malformed Content-Length %q", first)
	}
	return n, true, nil
}

func transferCodings(h *Header) []string {
	var out []string
	for _, v := range h.Values("Transfer-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
