// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"io"
	"net"
	"sync"
	"time"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/protocol"
)

// pendingDepth bounds how far the request side may run ahead of the
// responses on a pipelined connection.
const pendingDepth = 32

// exchange carries one forwarded request to the response side. When
// reply is set nothing was forwarded: the response side writes reply to
// the client in order behind earlier responses, fails the flow with
// failErr, and stops. The client socket is written by the response pump
// only, so replies can never interleave with a response in flight.
type exchange struct {
	method    string
	wantClose bool

	reply   *protocol.Message
	failErr error
}

func (r *relay) runHTTP() {
	r.flow.SetState(flow.StateAwaitingMessage)

	pending := make(chan exchange, pendingDepth)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.requestPump(pending)
	}()
	go func() {
		defer wg.Done()
		r.responsePump(pending)
	}()
	wg.Wait()
}

// requestPump frames client requests, filters them, and forwards the
// accepted ones to the backend in arrival order.
func (r *relay) requestPump(pending chan<- exchange) {
	defer close(pending)

	cfg := r.srv.cfg.HTTP
	rd := protocol.NewReader(r.client, cfg.MaxBody)
	for {
		r.flow.SetState(flow.StateAwaitingMessage)
		req, err := rd.ReadRequest()
		if err != nil {
			r.requestEnd(pending, err)
			return
		}
		r.flow.SetState(flow.StateReadingBody)

		fwd := req
		if r.srv.engine != nil {
			v := r.srv.engine.Evaluate(r.flow.Context(), &filter.Unit{
				Phase:     filter.PhaseHTTPRequest,
				Direction: protocol.ClientToServer,
				Message:   req,
			}, r.meta)
			switch v.Action {
			case filter.Drop:
				r.flow.Touch()
				continue
			case filter.Terminate:
				resp := protocol.NewResponse(403, "text/plain", []byte("Forbidden"))
				if v.Response != nil {
					resp = protocol.NewResponse(v.Response.Status, v.Response.ContentType, v.Response.Body)
				}
				r.send(pending, exchange{
					reply:   resp,
					failErr: errors.Errorf(errors.KindFilterTerminated, "terminated by rule %q", v.Rule),
				})
				return
			}
			if v.Message != nil {
				fwd = v.Message
			}
		}
		if r.flow.Context().Err() != nil {
			return
		}

		wantClose := fwd.WantClose() || !cfg.KeepAlive
		if wantClose {
			fwd.SetConnectionClose()
		}

		r.recordHTTP(protocol.ClientToServer, fwd, "request")
		if _, err := r.backend.Write(fwd.Bytes()); err != nil {
			r.failWrite(err)
			return
		}

		if !r.send(pending, exchange{method: fwd.Method, wantClose: wantClose}) {
			return
		}
		if wantClose {
			r.backend.CloseWrite()
			return
		}
	}
}

// requestEnd translates a request-side read error. Client EOF between
// messages is the normal end of the request stream: with half-close the
// response side drains in-flight work, otherwise the flow tears down
// now. An oversized body earns the client a courtesy 413 before the
// flow fails.
func (r *relay) requestEnd(pending chan<- exchange, err error) {
	if r.flow.Context().Err() != nil {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		r.flow.SetState(flow.StateClosing)
		r.backend.CloseWrite()
		if !r.srv.cfg.HTTP.HalfClose {
			r.flow.Close()
		}
	case errors.GetKind(err) == errors.KindBodyTooLarge:
		r.send(pending, exchange{
			reply:   protocol.NewResponse(413, "text/plain", []byte("request body too large")),
			failErr: err,
		})
	case errors.Is(err, net.ErrClosed):
	default:
		r.flow.Fail(errors.Wrap(err, errors.KindUnknown, "read request"))
	}
}

func (r *relay) send(pending chan<- exchange, ex exchange) bool {
	select {
	case pending <- ex:
		return true
	case <-r.flow.Done():
		return false
	}
}

// responsePump matches backend responses to forwarded requests, filters
// them, and delivers the accepted ones to the client.
func (r *relay) responsePump(pending <-chan exchange) {
	cfg := r.srv.cfg.HTTP
	rd := protocol.NewReader(r.backend, cfg.MaxBody)
	for ex := range pending {
		if ex.reply != nil {
			r.reply(ex.reply)
			r.flow.Fail(ex.failErr)
			return
		}

		resp, ok := r.readFinal(rd, ex.method)
		if !ok {
			return
		}

		fwd := resp
		if r.srv.engine != nil {
			v := r.srv.engine.Evaluate(r.flow.Context(), &filter.Unit{
				Phase:     filter.PhaseHTTPResponse,
				Direction: protocol.ServerToClient,
				Message:   resp,
			}, r.meta)
			switch v.Action {
			case filter.Drop:
				r.flow.Touch()
				continue
			case filter.Terminate:
				if v.Response != nil {
					r.reply(protocol.NewResponse(v.Response.Status, v.Response.ContentType, v.Response.Body))
				}
				r.flow.Fail(errors.Errorf(errors.KindFilterTerminated, "terminated by rule %q", v.Rule))
				return
			}
			if v.Message != nil {
				fwd = v.Message
			}
		}
		if r.flow.Context().Err() != nil {
			return
		}

		if cfg.DateHeader {
			fwd.EnsureDate(time.Now())
		}
		if ex.wantClose {
			fwd.SetConnectionClose()
		}

		r.recordHTTP(protocol.ServerToClient, fwd, "response")
		if _, err := r.client.Write(fwd.Bytes()); err != nil {
			r.failWrite(err)
			return
		}

		if ex.wantClose || fwd.WantClose() {
			r.flow.Close()
			return
		}
	}

	// Request side is done and every in-flight response is delivered.
	r.flow.SetState(flow.StateClosing)
	r.client.CloseWrite()
}

// reply writes a proxy-originated response to the client.
func (r *relay) reply(resp *protocol.Message) {
	resp.SetConnectionClose()
	if r.srv.cfg.HTTP.DateHeader {
		resp.EnsureDate(time.Now())
	}
	r.client.Write(resp.Bytes())
}

// readFinal reads past interim responses to the exchange's final one.
// Interim 1xx responses are forwarded verbatim; they are not filter
// units and not history.
func (r *relay) readFinal(rd *protocol.Reader, method string) (*protocol.Message, bool) {
	for {
		resp, err := rd.ReadResponse(method)
		if err != nil {
			r.responseEnd(err)
			return nil, false
		}
		if !resp.Interim() {
			return resp, true
		}
		if r.srv.capture != nil {
			r.srv.capture.Submit(protocol.ServerToClient, resp.Bytes(), r.cmeta)
		}
		if _, err := r.client.Write(resp.Bytes()); err != nil {
			r.failWrite(err)
			return nil, false
		}
		r.flow.Touch()
	}
}

func (r *relay) responseEnd(err error) {
	if r.flow.Context().Err() != nil {
		return
	}
	switch {
	case errors.GetKind(err) == errors.KindBodyTooLarge:
		r.flow.Fail(err)
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.flow.Fail(errors.New(errors.KindInternal, "backend closed before responding"))
	default:
		r.flow.Fail(errors.Wrap(err, errors.KindUnknown, "read response"))
	}
}

// recordHTTP counts and captures one forwarded message. Only body bytes
// count toward history and byte counters; headers ride along in the
// capture output only.
func (r *relay) recordHTTP(dir protocol.Direction, m *protocol.Message, kind string) {
	if len(m.Body) > 0 {
		r.flow.History(dir).Append(m.Body, time.Now())
		r.flow.AddBytes(dir, len(m.Body))
		if r.srv.mx != nil {
			r.srv.mx.AddBytes(r.flow.Service, dir.String(), len(m.Body))
		}
	} else {
		r.flow.Touch()
	}
	if r.srv.mx != nil {
		r.srv.mx.HTTPMessage(r.flow.Service, kind)
	}
	if r.srv.capture != nil {
		r.srv.capture.Submit(dir, m.Bytes(), r.cmeta)
	}
}
