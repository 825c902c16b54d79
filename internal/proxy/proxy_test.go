// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flytrap/internal/capture"
	"grimm.is/flytrap/internal/config"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/testutil"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Format: "text", Output: io.Discard})
}

// newManager starts a flow manager whose cleanup drains whatever a test
// leaves behind.
func newManager(t *testing.T, opts flow.ManagerOptions) (*flow.Manager, *events.Hub) {
	t.Helper()
	hub := events.NewHub(events.DefaultRecentSize)
	mgr := flow.NewManager(testLogger(), hub, nil, opts)
	mgr.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return mgr, hub
}

// echoService builds a raw-mode service config pointing at backend.
func echoService(t *testing.T, backend string) *config.Service {
	t.Helper()
	host, portStr, err := net.SplitHostPort(backend)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &config.Service{
		Name:             "echo",
		ClientIP:         "127.0.0.1",
		ServerIP:         host,
		ServerPort:       uint16(port),
		ClientTimeout:    time.Minute,
		ServerTimeout:    time.Minute,
		ClientMaxHistory: 1 << 20,
		ServerMaxHistory: 1 << 20,
	}
}

// startServer wires a proxy over cfg and starts it. The cleanup cancels
// outstanding flows before waiting on the accept loop.
func startServer(t *testing.T, cfg *config.Service, mgr *flow.Manager, eng *filter.Engine, sess *capture.Session) *Server {
	t.Helper()
	srv, err := NewServer(cfg, mgr, eng, sess, testLogger(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})
	return srv
}

func dialProxy(t *testing.T, srv *Server) *net.TCPConn {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c.(*net.TCPConn)
}

func writeRules(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func newEngine(t *testing.T, service, doc string) *filter.Engine {
	t.Helper()
	eng := filter.NewEngine(service, writeRules(t, doc), testLogger(), nil, nil)
	require.NoError(t, eng.Load())
	return eng
}

// flowClosed waits for the first flow_closed event on the hub.
func flowClosed(t *testing.T, hub *events.Hub) events.Event {
	t.Helper()
	var got events.Event
	require.Eventually(t, func() bool {
		for _, ev := range hub.Recent() {
			if ev.Type == events.FlowClosed {
				got = ev
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "flow never closed")
	return got
}

func requireOutcome(t *testing.T, hub *events.Hub, want string) {
	t.Helper()
	ev := flowClosed(t, hub)
	assert.Equal(t, want, ev.Fields["outcome"])
}

func TestRawRelay(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		srv := startServer(t, cfg, mgr, nil, nil)

		c := dialProxy(t, srv)
		payload := make([]byte, 32<<10)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		for i := 0; i < len(payload); i += 8 << 10 {
			_, err := c.Write(payload[i : i+8<<10])
			require.NoError(t, err)
		}

		got := make([]byte, len(payload))
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err := io.ReadFull(c, got)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, got), "echoed bytes differ")

		snaps := mgr.Snapshots()
		require.Len(t, snaps, 1)
		assert.Equal(t, "raw", snaps[0].Proto)
		assert.Equal(t, uint64(len(payload)), snaps[0].BytesC2S)
		assert.Equal(t, uint64(len(payload)), snaps[0].BytesS2C)

		c.Close()
		ev := flowClosed(t, hub)
		assert.Equal(t, "closed", ev.Fields["outcome"])
		assert.Equal(t, uint64(len(payload)), ev.Fields["bytes_client_to_server"])
	})

	t.Run("half close propagates", func(t *testing.T) {
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		srv := startServer(t, cfg, mgr, nil, nil)

		c := dialProxy(t, srv)
		_, err := c.Write([]byte("ping"))
		require.NoError(t, err)
		require.NoError(t, c.CloseWrite())

		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		got, err := io.ReadAll(c)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(got))

		requireOutcome(t, hub, "closed")
		assert.Equal(t, 0, mgr.Len())
	})
}

func TestRawFilter(t *testing.T) {
	t.Run("replace rewrites payload", func(t *testing.T) {
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		eng := newEngine(t, cfg.Name, `
rules:
  - name: cat-to-dog
    phase: raw
    match:
      pattern: "cat"
    action: replace
    replace:
      pattern: "cat"
      with: "dog"
`)
		srv := startServer(t, cfg, mgr, eng, nil)

		c := dialProxy(t, srv)
		_, err := c.Write([]byte("the cat sat"))
		require.NoError(t, err)

		got := make([]byte, len("the dog sat"))
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err = io.ReadFull(c, got)
		require.NoError(t, err)
		assert.Equal(t, "the dog sat", string(got))

		c.Close()
		requireOutcome(t, hub, "closed")
	})

	t.Run("drop suppresses chunks", func(t *testing.T) {
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		eng := newEngine(t, cfg.Name, `
rules:
  - name: mute
    phase: raw
    action: drop
`)
		srv := startServer(t, cfg, mgr, eng, nil)

		c := dialProxy(t, srv)
		_, err := c.Write([]byte("secret"))
		require.NoError(t, err)

		// Nothing may come back: the chunk reached neither the backend
		// nor the client.
		c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err = c.Read(make([]byte, 16))
		var ne net.Error
		require.ErrorAs(t, err, &ne)
		assert.True(t, ne.Timeout())

		c.Close()
		ev := flowClosed(t, hub)
		assert.Equal(t, "closed", ev.Fields["outcome"])
		assert.Equal(t, uint64(0), ev.Fields["bytes_client_to_server"])
		assert.Equal(t, uint64(0), ev.Fields["bytes_server_to_client"])
		assert.Equal(t, 0, mgr.Len())
	})

	t.Run("terminate kills flow", func(t *testing.T) {
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		eng := newEngine(t, cfg.Name, `
rules:
  - name: cut
    phase: raw
    match:
      pattern: "kill"
    action: kill
`)
		srv := startServer(t, cfg, mgr, eng, nil)

		c := dialProxy(t, srv)
		_, err := c.Write([]byte("kill switch"))
		require.NoError(t, err)

		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err = c.Read(make([]byte, 16))
		require.Error(t, err)

		requireOutcome(t, hub, "filter_terminated")
		assert.Equal(t, 0, mgr.Len())
	})
}

func TestConnectPhaseTerminate(t *testing.T) {
	mgr, hub := newManager(t, flow.ManagerOptions{})
	cfg := echoService(t, testutil.EchoServer(t).String())
	eng := newEngine(t, cfg.Name, `
rules:
  - name: block-loopback
    phase: connect
    match:
      client_cidr: "127.0.0.0/8"
    action: kill
`)
	srv := startServer(t, cfg, mgr, eng, nil)

	c := dialProxy(t, srv)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)

	ev := flowClosed(t, hub)
	assert.Equal(t, "filter_terminated", ev.Fields["outcome"])
	assert.Equal(t, uint64(0), ev.Fields["bytes_client_to_server"])
}

func TestBackendUnreachable(t *testing.T) {
	mgr, hub := newManager(t, flow.ManagerOptions{})
	cfg := echoService(t, testutil.ClosedPort(t))
	srv := startServer(t, cfg, mgr, nil, nil)

	c := dialProxy(t, srv)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)

	requireOutcome(t, hub, "backend_unreachable")
	assert.Equal(t, 0, mgr.Len())
}

func TestIdleTimeout(t *testing.T) {
	mgr, hub := newManager(t, flow.ManagerOptions{SweepInterval: 20 * time.Millisecond, Grace: 500 * time.Millisecond})
	cfg := echoService(t, testutil.EchoServer(t).String())
	cfg.ClientTimeout = 250 * time.Millisecond
	cfg.ServerTimeout = 10 * time.Second
	srv := startServer(t, cfg, mgr, nil, nil)

	c := dialProxy(t, srv)
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)

	// Stay silent past the idle limit; the sweep tears the flow down and
	// the blocked read unblocks.
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)

	requireOutcome(t, hub, "timeout")
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestTLSRelay(t *testing.T) {
	certFile, keyFile := testutil.WriteCertPair(t, t.TempDir())

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{pair}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()

	mgr, hub := newManager(t, flow.ManagerOptions{})
	cfg := echoService(t, ln.Addr().String())
	cfg.TLS = &config.TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile}
	srv := startServer(t, cfg, mgr, nil, nil)

	pemBytes, err := os.ReadFile(certFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemBytes))

	c, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = c.Write([]byte("over tls"))
	require.NoError(t, err)
	got := make([]byte, len("over tls"))
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "over tls", string(got))

	snaps := mgr.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "localhost", snaps[0].SNI)
	assert.Len(t, snaps[0].JA3, 32)

	require.NoError(t, c.Close())
	requireOutcome(t, hub, "closed")
}

func TestCapture(t *testing.T) {
	session := func(t *testing.T, cfg *config.Service, dir string) *capture.Session {
		t.Helper()
		sess, err := capture.NewSession(capture.Options{
			Service:     cfg.Name,
			ListenIP:    cfg.ClientIP,
			ListenPort:  cfg.ClientPort,
			BackendHost: cfg.ServerIP,
			BackendPort: cfg.ServerPort,
			Directory:   dir,
			Format:      "{service}-{timestamp}.pcap",
			Interval:    time.Hour,
			MaxPackets:  64,
			QueueSize:   64,
		}, testLogger(), nil, nil)
		require.NoError(t, err)
		t.Cleanup(sess.Close)
		return sess
	}

	visible := func(t *testing.T, dir string) []string {
		t.Helper()
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), ".") {
				names = append(names, e.Name())
			}
		}
		return names
	}

	t.Run("passed units are captured", func(t *testing.T) {
		dir := t.TempDir()
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		sess := session(t, cfg, dir)
		srv := startServer(t, cfg, mgr, nil, sess)

		c := dialProxy(t, srv)
		_, err := c.Write([]byte("ping"))
		require.NoError(t, err)
		got := make([]byte, 4)
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err = io.ReadFull(c, got)
		require.NoError(t, err)

		c.Close()
		requireOutcome(t, hub, "closed")

		sess.Close()
		names := visible(t, dir)
		require.Len(t, names, 1)
		assert.True(t, strings.HasPrefix(names[0], "echo-"), "got %q", names[0])
		assert.True(t, strings.HasSuffix(names[0], ".pcap"), "got %q", names[0])
	})

	t.Run("dropped units are not", func(t *testing.T) {
		dir := t.TempDir()
		mgr, hub := newManager(t, flow.ManagerOptions{})
		cfg := echoService(t, testutil.EchoServer(t).String())
		eng := newEngine(t, cfg.Name, `
rules:
  - name: mute
    phase: raw
    action: drop
`)
		sess := session(t, cfg, dir)
		srv := startServer(t, cfg, mgr, eng, sess)

		c := dialProxy(t, srv)
		_, err := c.Write([]byte("secret"))
		require.NoError(t, err)
		c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err = c.Read(make([]byte, 16))
		require.Error(t, err)

		c.Close()
		requireOutcome(t, hub, "closed")

		sess.Close()
		assert.Empty(t, visible(t, dir))
	})
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	mgr, hub := newManager(t, flow.ManagerOptions{})
	cfg := echoService(t, testutil.EchoServer(t).String())
	srv := startServer(t, cfg, mgr, nil, nil)

	c := dialProxy(t, srv)
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	c.Close()
	requireOutcome(t, hub, "closed")

	addr := srv.Addr().String()
	srv.Shutdown()
	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
}
