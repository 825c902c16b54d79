// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package transport accepts client connections and dials backends,
// handling the TLS role on each side, and exposes both as a duplex
// stream with independently closable halves.
package transport

import (
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Stream is one side of a flow. CloseWrite half-closes the send
// direction (TCP FIN or TLS close_notify) while reads stay open.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	CloseWrite() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
}

var (
	_ Stream = (*net.TCPConn)(nil)
	_ Stream = (*tls.Conn)(nil)
)
