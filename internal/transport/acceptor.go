// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/logging"
)

// DefaultPeekTimeout bounds how long a client may sit silent before
// the ClientHello peek gives up.
const DefaultPeekTimeout = 10 * time.Second

// A legal plaintext TLS record carries at most 2^14 payload bytes.
const maxHelloRecord = 16384

// Fingerprint is what the ClientHello peek extracts. Both fields are
// empty on non-TLS services and when the hello does not parse.
type Fingerprint struct {
	JA3 string
	SNI string
}

// Acceptor owns one service's listener. With TLS enabled it terminates
// the client handshake, fingerprinting the ClientHello on the way.
type Acceptor struct {
	ln          net.Listener
	tls         *tls.Config
	peekTimeout time.Duration
	log         *logging.Logger
}

// NewAcceptor binds the listen address. tlsCfg nil means a plaintext
// service.
func NewAcceptor(listen string, tlsCfg *tls.Config, peekTimeout time.Duration, log *logging.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "bind %s", listen)
	}
	if peekTimeout <= 0 {
		peekTimeout = DefaultPeekTimeout
	}
	return &Acceptor{
		ln:          ln,
		tls:         tlsCfg,
		peekTimeout: peekTimeout,
		log:         log.WithComponent("transport"),
	}, nil
}

// Accept returns the next raw client connection. It reports
// net.ErrClosed after Close.
func (a *Acceptor) Accept() (net.Conn, error) {
	return a.ln.Accept()
}

// Addr returns the bound listen address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops the listener; in-flight connections are unaffected.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Secure upgrades an accepted connection to its final Stream. On TLS
// services it peeks the ClientHello for JA3/SNI (parse failures are
// ignored, the bytes replay into the handshake) and completes the
// server handshake; a handshake failure closes the connection and
// reports KindTLSHandshake. Call it off the accept loop, one goroutine
// per connection.
func (a *Acceptor) Secure(ctx context.Context, raw net.Conn) (Stream, Fingerprint, error) {
	if a.tls == nil {
		s, ok := raw.(Stream)
		if !ok {
			raw.Close()
			return nil, Fingerprint{}, errors.Errorf(errors.KindInternal,
				"connection type %T lacks half-close support", raw)
		}
		return s, Fingerprint{}, nil
	}

	raw.SetReadDeadline(time.Now().Add(a.peekTimeout))
	pre, fp := peekClientHello(raw)
	raw.SetReadDeadline(time.Time{})
	if fp.JA3 != "" {
		a.log.Debug("client hello fingerprinted",
			"remote", raw.RemoteAddr().String(), "ja3", fp.JA3, "sni", fp.SNI)
	}

	tc := tls.Server(&replayConn{Conn: raw, pre: pre}, a.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fp, errors.Wrapf(err, errors.KindTLSHandshake,
			"client handshake from %s", raw.RemoteAddr())
	}
	return tc, fp, nil
}

// peekClientHello reads the first TLS record and fingerprints it.
// Whatever was consumed is returned for replay, so a short read or a
// non-TLS prefix still reaches the handshake (and fails there, not
// here).
func peekClientHello(c net.Conn) ([]byte, Fingerprint) {
	hdr := make([]byte, 5)
	n, err := io.ReadFull(c, hdr)
	pre := hdr[:n]
	if err != nil || hdr[0] != 0x16 {
		return pre, Fingerprint{}
	}

	recLen := int(binary.BigEndian.Uint16(hdr[3:5]))
	if recLen == 0 || recLen > maxHelloRecord {
		return pre, Fingerprint{}
	}
	body := make([]byte, recLen)
	m, err := io.ReadFull(c, body)
	pre = append(hdr, body[:m]...)
	if err != nil {
		return pre, Fingerprint{}
	}

	hello := tlsx.ClientHelloBasic{}
	if err := hello.Unmarshal(pre); err != nil {
		return pre, Fingerprint{}
	}
	return pre, Fingerprint{JA3: ja3.DigestHex(&hello), SNI: string(hello.SNI)}
}

// replayConn feeds the peeked bytes back before reading the socket.
type replayConn struct {
	net.Conn
	pre []byte
	off int
}

func (c *replayConn) Read(p []byte) (int, error) {
	if c.off < len(c.pre) {
		n := copy(p, c.pre[c.off:])
		c.off += n
		if c.off == len(c.pre) {
			c.pre = nil
			c.off = 0
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
