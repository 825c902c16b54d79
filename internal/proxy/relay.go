// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"io"
	"net"
	"sync"
	"time"

	"grimm.is/flytrap/internal/capture"
	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/protocol"
	"grimm.is/flytrap/internal/transport"
)

// readBufferSize is the raw-mode chunk size. Chunk boundaries are
// whatever the transport yields, up to this much at a time.
const readBufferSize = 32 << 10

// relay owns one flow's pumps for the duration of the flow.
type relay struct {
	srv     *Server
	flow    *flow.Flow
	client  transport.Stream
	backend transport.Stream
	meta    *filter.Meta
	cmeta   capture.FlowMeta
}

func (r *relay) run() {
	defer r.finish()

	stop := r.watchCancel()
	defer stop()

	if r.srv.cfg.HTTP != nil {
		r.runHTTP()
	} else {
		r.runRaw()
	}
}

// watchCancel force-closes both transports when the flow is cancelled,
// unblocking any pump stuck in I/O. The returned stop func ends the
// watch.
func (r *relay) watchCancel() func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-r.flow.Done():
			r.client.Close()
			r.backend.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (r *relay) finish() {
	r.client.Close()
	r.backend.Close()
	if r.srv.capture != nil {
		r.srv.capture.FlowClosed(r.cmeta)
	}
	r.srv.manager.Finish(r.flow, nil)
}

func (r *relay) runRaw() {
	r.flow.SetState(flow.StateRelaying)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pump(r.client, r.backend, protocol.ClientToServer)
	}()
	go func() {
		defer wg.Done()
		r.pump(r.backend, r.client, protocol.ServerToClient)
	}()
	wg.Wait()
}

// pump relays one direction in strict arrival order until EOF, error,
// or cancellation.
func (r *relay) pump(src, dst transport.Stream, dir protocol.Direction) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if !r.forward(dst, dir, buf[:n]) {
				return
			}
		}
		if err != nil {
			r.pumpEnd(dst, dir, err)
			return
		}
	}
}

// pumpEnd translates a read error into the direction's ending. A clean
// EOF half-closes the peer and lets the other direction continue;
// io.ErrUnexpectedEOF covers TLS peers that vanish without a
// close_notify and counts as a clean end too.
func (r *relay) pumpEnd(dst transport.Stream, dir protocol.Direction, err error) {
	if r.flow.Context().Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.srv.log.Debug("relay direction finished", "flow", r.flow.ID, "direction", dir.String())
		r.flow.SetState(flow.StateClosing)
		dst.CloseWrite()
		return
	}
	if errors.Is(err, net.ErrClosed) {
		return
	}
	r.flow.Fail(errors.Wrap(err, errors.KindInternal, "relay read"))
}

// forward applies the filter verdict to one raw chunk and, on Pass,
// records and relays it. Returns false when the pump must stop.
func (r *relay) forward(dst transport.Stream, dir protocol.Direction, chunk []byte) bool {
	data := chunk
	if r.srv.engine != nil {
		v := r.srv.engine.Evaluate(r.flow.Context(), &filter.Unit{
			Phase:     filter.PhaseRaw,
			Direction: dir,
			Data:      chunk,
		}, r.meta)
		switch v.Action {
		case filter.Drop:
			r.flow.Touch()
			return true
		case filter.Terminate:
			r.flow.Fail(errors.Errorf(errors.KindFilterTerminated, "terminated by rule %q", v.Rule))
			return false
		}
		if v.Data != nil {
			data = v.Data
		}
	}
	if r.flow.Context().Err() != nil {
		return false
	}

	r.flow.History(dir).Append(data, time.Now())
	r.flow.AddBytes(dir, len(data))
	if r.srv.mx != nil {
		r.srv.mx.AddBytes(r.flow.Service, dir.String(), len(data))
	}
	if r.srv.capture != nil {
		r.srv.capture.Submit(dir, data, r.cmeta)
	}

	if _, err := dst.Write(data); err != nil {
		r.failWrite(err)
		return false
	}
	return true
}

func (r *relay) failWrite(err error) {
	if r.flow.Context().Err() == nil && !errors.Is(err, net.ErrClosed) {
		r.flow.Fail(errors.Wrap(err, errors.KindInternal, "relay write"))
	}
}
