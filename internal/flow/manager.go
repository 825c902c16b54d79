// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
	"grimm.is/flytrap/internal/protocol"
)

const (
	DefaultSweepInterval = time.Second
	DefaultGrace         = 5 * time.Second
)

// ManagerOptions tune supervision timing; zero values take the defaults.
type ManagerOptions struct {
	SweepInterval time.Duration
	Grace         time.Duration
}

// Manager supervises the live flow population: it enforces idle
// timeouts, force-releases flows whose relay tasks miss the grace
// period after termination, and reports terminal outcomes.
type Manager struct {
	log *logging.Logger
	hub *events.Hub
	mx  *metrics.Metrics

	sweepInterval time.Duration
	grace         time.Duration

	mu    sync.Mutex
	flows map[uint64]*Flow

	nextID  atomic.Uint64
	started atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager wires a manager to the event hub and metrics. mx may be
// nil (tests).
func NewManager(log *logging.Logger, hub *events.Hub, mx *metrics.Metrics, opts ManagerOptions) *Manager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &Manager{
		log:           log.WithComponent("flowmgr"),
		hub:           hub,
		mx:            mx,
		sweepInterval: opts.SweepInterval,
		grace:         opts.Grace,
		flows:         make(map[uint64]*Flow),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the supervision sweep.
func (m *Manager) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.sweepLoop()
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

// sweep enforces idle timeouts and force-releases terminal flows whose
// relay tasks did not check in within the grace period.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()

	for _, f := range flows {
		if at, terminal := f.terminalSince(); terminal {
			if now.Sub(at) >= m.grace {
				m.log.Warn("force releasing flow", "flow", f.ID, "service", f.Service, "outcome", f.Outcome())
				m.release(f)
			}
			continue
		}
		if f.IdleTimeout > 0 && now.Sub(f.LastActivity()) > f.IdleTimeout {
			if f.Fail(errors.Errorf(errors.KindTimeout, "idle for %s", f.IdleTimeout)) {
				m.log.Warn("flow idle timeout", "flow", f.ID, "service", f.Service, "timeout", f.IdleTimeout)
			}
		}
	}
}

// Open registers a new flow. Its context derives from ctx and is
// cancelled on idle timeout, terminate verdicts, or shutdown.
func (m *Manager) Open(ctx context.Context, service string, clientAddr, serverAddr net.Addr, o Options) *Flow {
	id := m.nextID.Add(1)
	f := newFlow(ctx, id, service, clientAddr, serverAddr, o)

	m.mu.Lock()
	m.flows[id] = f
	active := len(m.flows)
	m.mu.Unlock()

	if m.mx != nil {
		m.mx.FlowOpened(service)
		m.mx.FlowsActive(service, 1)
	}
	m.hub.Publish(events.Event{
		Type:    events.FlowOpened,
		Service: service,
		Fields: map[string]any{
			"flow":   id,
			"client": clientAddr.String(),
			"server": serverAddr.String(),
			"proto":  o.Proto,
		},
	})
	m.log.Debug("flow opened", "flow", id, "service", service, "client", clientAddr.String(), "active", active)
	return f
}

// Finish drives f terminal (Fail for a non-nil err, normal close
// otherwise) and releases it from the active set. Later calls for the
// same flow are no-ops.
func (m *Manager) Finish(f *Flow, err error) {
	if err != nil {
		f.Fail(err)
	} else {
		f.Close()
	}
	m.release(f)
}

// release removes f from the active set and reports its outcome exactly
// once.
func (m *Manager) release(f *Flow) {
	m.mu.Lock()
	_, present := m.flows[f.ID]
	delete(m.flows, f.ID)
	m.mu.Unlock()
	if !present {
		return
	}

	f.Close()
	outcome := f.Outcome()
	if m.mx != nil {
		m.mx.FlowsActive(f.Service, -1)
		m.mx.FlowClosed(f.Service, outcome)
	}
	m.hub.Publish(events.Event{
		Type:    events.FlowClosed,
		Service: f.Service,
		Fields: map[string]any{
			"flow":                   f.ID,
			"outcome":                outcome,
			"bytes_client_to_server": f.Bytes(protocol.ClientToServer),
			"bytes_server_to_client": f.Bytes(protocol.ServerToClient),
			"duration_ms":            time.Since(f.Opened).Milliseconds(),
		},
	})

	lg := m.log.With("flow", f.ID, "service", f.Service, "outcome", outcome,
		"bytes_c2s", f.Bytes(protocol.ClientToServer), "bytes_s2c", f.Bytes(protocol.ServerToClient))
	if err := f.Err(); err != nil && errors.GetKind(err) != errors.KindFilterTerminated {
		lg.WithError(err).Warn("flow ended")
	} else {
		lg.Info("flow closed")
	}
}

// Get returns the active flow with the given id.
func (m *Manager) Get(id uint64) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	return f, ok
}

// Len returns the number of active flows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// Snapshots lists active flows for the admin API, ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	out := make([]Snapshot, len(flows))
	for i, f := range flows {
		out[i] = f.Snapshot()
	}
	return out
}

func (m *Manager) activeFlows() []*Flow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, f)
	}
	return out
}

// Shutdown cancels every active flow and waits for the population to
// drain, force-releasing whatever remains when ctx expires.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}

	for _, f := range m.activeFlows() {
		f.Close()
	}
	for {
		if m.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for _, f := range m.activeFlows() {
				m.release(f)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}
