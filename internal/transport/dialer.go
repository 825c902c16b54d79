// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"grimm.is/flytrap/internal/errors"
)

// DefaultDialTimeout bounds the TCP connect to the backend.
const DefaultDialTimeout = 10 * time.Second

// Dialer opens backend connections for one service, with the client
// TLS role when configured.
type Dialer struct {
	addr    string
	tls     *tls.Config
	timeout time.Duration
}

// NewDialer prepares a dialer for addr (host:port). tlsCfg nil means
// plaintext.
func NewDialer(addr string, tlsCfg *tls.Config, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Dialer{addr: addr, tls: tlsCfg, timeout: timeout}
}

// Addr returns the backend address this dialer targets.
func (d *Dialer) Addr() string { return d.addr }

// Dial connects to the backend. A failed connect is
// KindBackendUnreachable; a failed TLS handshake is KindTLSHandshake.
func (d *Dialer) Dial(ctx context.Context) (Stream, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindBackendUnreachable, "dial backend %s", d.addr)
	}

	if d.tls == nil {
		return conn.(*net.TCPConn), nil
	}

	tc := tls.Client(conn, d.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, errors.KindTLSHandshake, "backend handshake %s", d.addr)
	}
	return tc, nil
}
