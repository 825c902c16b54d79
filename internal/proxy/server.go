// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proxy runs one intercepting service: the accept loop, per-flow
// transport setup, and the relay pumps that move traffic between client
// and backend through the filter, history, and capture layers.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"grimm.is/flytrap/internal/capture"
	"grimm.is/flytrap/internal/config"
	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
	"grimm.is/flytrap/internal/netutil"
	"grimm.is/flytrap/internal/protocol"
	"grimm.is/flytrap/internal/transport"
)

// Server proxies one configured service. The filter engine and capture
// session may be nil when the service does not configure them.
type Server struct {
	cfg *config.Service
	log *logging.Logger
	mx  *metrics.Metrics

	manager *flow.Manager
	engine  *filter.Engine
	capture *capture.Session

	acceptor *transport.Acceptor
	dialer   *transport.Dialer

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewServer binds the service's listen address and prepares its TLS
// material. A bind failure is fatal: the caller is expected to abort
// startup.
func NewServer(cfg *config.Service, mgr *flow.Manager, eng *filter.Engine, cap *capture.Session,
	log *logging.Logger, mx *metrics.Metrics) (*Server, error) {

	var srvTLS, cliTLS *tls.Config
	if cfg.TLS != nil {
		opts := transport.TLSOptions{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
		}
		var err error
		if srvTLS, err = transport.ServerTLS(opts); err != nil {
			return nil, err
		}
		// SNI toward the backend defaults to its host; the service
		// certificate doubles as the client certificate.
		if cliTLS, err = transport.ClientTLS(opts, cfg.ServerIP); err != nil {
			return nil, err
		}
	}

	log = log.WithComponent("proxy").With("service", cfg.Name)
	acceptor, err := transport.NewAcceptor(cfg.ClientAddr(), srvTLS, transport.DefaultPeekTimeout, log)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		mx:       mx,
		manager:  mgr,
		engine:   eng,
		capture:  cap,
		acceptor: acceptor,
		dialer:   transport.NewDialer(cfg.ServerAddr(), cliTLS, transport.DefaultDialTimeout),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

// Start launches the accept loop and returns. Flows live until ctx is
// cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) {
	s.log.Info("service listening",
		"listen", s.acceptor.Addr().String(),
		"backend", s.cfg.ServerAddr(),
		"proto", s.proto(),
		"tls", s.cfg.TLS != nil)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
}

// Shutdown stops accepting and waits for per-connection handlers. Flows
// are drained by the manager; cancel their parent context first.
func (s *Server) Shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		s.acceptor.Close()
	}
	s.wg.Wait()
}

func (s *Server) proto() string {
	if s.cfg.HTTP != nil {
		return "http"
	}
	return "raw"
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		raw, err := s.acceptor.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, raw)
		}()
	}
}

// handle drives one accepted connection: client handshake, backend
// dial, connect-phase filter, then the relay pumps. A client handshake
// failure closes the connection without creating a flow.
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	client, fp, err := s.acceptor.Secure(ctx, raw)
	if err != nil {
		s.log.WithError(err).Warn("client handshake failed", "client", raw.RemoteAddr().String())
		return
	}

	f := s.manager.Open(ctx, s.cfg.Name, client.RemoteAddr(), backendAddr(s.cfg.ServerAddr()), flow.Options{
		Proto:         s.proto(),
		ClientHistory: s.cfg.ClientMaxHistory,
		ServerHistory: s.cfg.ServerMaxHistory,
		IdleTimeout:   s.cfg.IdleTimeout(),
		JA3:           fp.JA3,
		SNI:           fp.SNI,
	})

	if s.cfg.TLS != nil {
		f.SetState(flow.StateHandshaking)
	}
	backend, err := s.dialer.Dial(f.Context())
	if err != nil {
		client.Close()
		s.manager.Finish(f, err)
		return
	}
	f.SetState(flow.StateEstablished)

	meta := filter.Meta{FlowID: f.ID, Service: s.cfg.Name, JA3: fp.JA3, SNI: fp.SNI}
	meta.ClientIP, _ = netutil.TCPAddrParts(client.RemoteAddr())

	if s.engine != nil {
		v := s.engine.Evaluate(f.Context(), &filter.Unit{Phase: filter.PhaseConnect, Direction: protocol.ClientToServer}, &meta)
		if v.Action == filter.Terminate {
			client.Close()
			backend.Close()
			s.manager.Finish(f, errors.Errorf(errors.KindFilterTerminated, "connection rejected by rule %q", v.Rule))
			return
		}
	}

	r := &relay{
		srv:     s,
		flow:    f,
		client:  client,
		backend: backend,
		meta:    &meta,
		cmeta:   captureMeta(f, client, backend),
	}
	r.run()
}

func captureMeta(f *flow.Flow, client, backend transport.Stream) capture.FlowMeta {
	m := capture.FlowMeta{FlowID: f.ID, Service: f.Service}
	m.ClientIP, m.ClientPort = netutil.TCPAddrParts(client.RemoteAddr())
	m.ServerIP, m.ServerPort = netutil.TCPAddrParts(backend.RemoteAddr())
	return m
}

// backendAddr carries the configured backend address on a flow before
// the dial resolves a real one.
type backendAddr string

func (a backendAddr) Network() string { return "tcp" }
func (a backendAddr) String() string  { return string(a) }
