// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow models one client-backend pairing: its lifecycle state
// machine, per-direction byte counters and history rings, idle-timeout
// accounting, and the terminal-error slot. The Manager supervises the
// population of concurrent flows.
package flow

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/protocol"
)

// State is a flow's lifecycle phase.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateRelaying
	StateAwaitingMessage
	StateReadingBody
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRelaying:
		return "relaying"
	case StateAwaitingMessage:
		return "awaiting_message"
	case StateReadingBody:
		return "reading_body"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Options describes a flow at open time. Transport and limit settings
// are fixed for the flow's lifetime.
type Options struct {
	Proto         string // "raw" or "http"
	ClientHistory uint64 // history ring capacity, client to server
	ServerHistory uint64 // history ring capacity, server to client
	IdleTimeout   time.Duration
	JA3           string
	SNI           string
}

// Flow owns one client-backend pairing. The relay goroutines driving it
// are its exclusive owners; the Manager holds a non-owning handle for
// supervision only.
type Flow struct {
	ID         uint64
	Service    string
	Proto      string
	ClientAddr net.Addr
	ServerAddr net.Addr
	Opened     time.Time
	JA3        string
	SNI        string

	IdleTimeout time.Duration

	mu         sync.Mutex
	state      State
	err        error
	terminalAt time.Time

	bytesC2S   atomic.Uint64
	bytesS2C   atomic.Uint64
	lastActive atomic.Int64 // unix nanos

	histC2S *History
	histS2C *History

	ctx    context.Context
	cancel context.CancelFunc
}

func newFlow(ctx context.Context, id uint64, service string, clientAddr, serverAddr net.Addr, o Options) *Flow {
	fctx, cancel := context.WithCancel(ctx)
	f := &Flow{
		ID:          id,
		Service:     service,
		Proto:       o.Proto,
		ClientAddr:  clientAddr,
		ServerAddr:  serverAddr,
		Opened:      time.Now(),
		JA3:         o.JA3,
		SNI:         o.SNI,
		IdleTimeout: o.IdleTimeout,
		state:       StateConnecting,
		histC2S:     NewHistory(o.ClientHistory),
		histS2C:     NewHistory(o.ServerHistory),
		ctx:         fctx,
		cancel:      cancel,
	}
	f.lastActive.Store(f.Opened.UnixNano())
	return f
}

// Context is cancelled when the flow is torn down; every blocking
// operation on behalf of the flow must observe it.
func (f *Flow) Context() context.Context { return f.ctx }

// Done reports flow cancellation.
func (f *Flow) Done() <-chan struct{} { return f.ctx.Done() }

// State returns the current lifecycle phase.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetState advances the lifecycle phase. Terminal states are sticky;
// transitions after Closed/Errored are ignored.
func (f *Flow) SetState(s State) {
	f.mu.Lock()
	if !f.state.terminal() {
		f.state = s
		if s.terminal() {
			f.terminalAt = time.Now()
		}
	}
	f.mu.Unlock()
}

// Fail records the flow's terminal error and cancels it. Only the first
// call wins; later calls (and calls after a normal Close) are ignored
// and return false.
func (f *Flow) Fail(err error) bool {
	f.mu.Lock()
	if f.state.terminal() || f.err != nil {
		f.mu.Unlock()
		return false
	}
	f.err = err
	f.state = StateErrored
	f.terminalAt = time.Now()
	f.mu.Unlock()
	f.cancel()
	return true
}

// Close drives the flow to its normal terminal state and cancels it.
func (f *Flow) Close() {
	f.mu.Lock()
	if !f.state.terminal() {
		f.state = StateClosed
		f.terminalAt = time.Now()
	}
	f.mu.Unlock()
	f.cancel()
}

// Err returns the terminal error, or nil for a flow that is live or
// closed normally.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Outcome names how the flow ended, for logs, metrics, and the API.
func (f *Flow) Outcome() string {
	err := f.Err()
	if err == nil {
		return "closed"
	}
	switch errors.GetKind(err) {
	case errors.KindTimeout:
		return "timeout"
	case errors.KindTLSHandshake:
		return "tls_handshake"
	case errors.KindBackendUnreachable:
		return "backend_unreachable"
	case errors.KindBodyTooLarge:
		return "body_too_large"
	case errors.KindFilterTerminated:
		return "filter_terminated"
	default:
		return "error"
	}
}

// Touch refreshes the idle-timeout clock.
func (f *Flow) Touch() {
	f.lastActive.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent byte or filter
// activity on the flow.
func (f *Flow) LastActivity() time.Time {
	return time.Unix(0, f.lastActive.Load())
}

// AddBytes advances the byte counter for a direction and refreshes the
// idle clock. Counters are non-decreasing for the life of the flow.
func (f *Flow) AddBytes(d protocol.Direction, n int) {
	if n <= 0 {
		return
	}
	if d == protocol.ClientToServer {
		f.bytesC2S.Add(uint64(n))
	} else {
		f.bytesS2C.Add(uint64(n))
	}
	f.Touch()
}

// Bytes returns the byte counter for a direction.
func (f *Flow) Bytes(d protocol.Direction) uint64 {
	if d == protocol.ClientToServer {
		return f.bytesC2S.Load()
	}
	return f.bytesS2C.Load()
}

// History returns the history ring for a direction.
func (f *Flow) History(d protocol.Direction) *History {
	if d == protocol.ClientToServer {
		return f.histC2S
	}
	return f.histS2C
}

func (f *Flow) terminalSince() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.terminal() {
		return time.Time{}, false
	}
	return f.terminalAt, true
}

// Snapshot is a point-in-time copy of a flow's externally visible state.
type Snapshot struct {
	ID           uint64    `json:"id"`
	Service      string    `json:"service"`
	Proto        string    `json:"proto"`
	ClientAddr   string    `json:"client_addr"`
	ServerAddr   string    `json:"server_addr"`
	State        string    `json:"state"`
	Opened       time.Time `json:"opened"`
	LastActivity time.Time `json:"last_activity"`
	BytesC2S     uint64    `json:"bytes_client_to_server"`
	BytesS2C     uint64    `json:"bytes_server_to_client"`
	JA3          string    `json:"ja3,omitempty"`
	SNI          string    `json:"sni,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
}

// Snapshot captures the flow for the admin API.
func (f *Flow) Snapshot() Snapshot {
	s := Snapshot{
		ID:           f.ID,
		Service:      f.Service,
		Proto:        f.Proto,
		State:        f.State().String(),
		Opened:       f.Opened,
		LastActivity: f.LastActivity(),
		BytesC2S:     f.bytesC2S.Load(),
		BytesS2C:     f.bytesS2C.Load(),
		JA3:          f.JA3,
		SNI:          f.SNI,
	}
	if f.ClientAddr != nil {
		s.ClientAddr = f.ClientAddr.String()
	}
	if f.ServerAddr != nil {
		s.ServerAddr = f.ServerAddr.String()
	}
	if st := f.State(); st.terminal() {
		s.Outcome = f.Outcome()
	}
	return s
}
