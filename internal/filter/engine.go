// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"context"
	"sync/atomic"

	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
)

// Engine holds the live definition for one service and evaluates units
// against it. The definition is swapped atomically on reload; in-flight
// evaluations finish against the definition they started with.
type Engine struct {
	service string
	path    string
	log     *logging.Logger
	hub     *events.Hub
	mx      *metrics.Metrics

	def atomic.Pointer[Definition]
}

// NewEngine wires an engine for one service. hub and mx may be nil
// (tests). Call Load before the first Evaluate.
func NewEngine(service, path string, log *logging.Logger, hub *events.Hub, mx *metrics.Metrics) *Engine {
	return &Engine{
		service: service,
		path:    path,
		log:     log.WithComponent("filter"),
		hub:     hub,
		mx:      mx,
	}
}

// Service returns the service this engine filters for.
func (e *Engine) Service() string { return e.service }

// Path returns the rule file this engine loads from.
func (e *Engine) Path() string { return e.path }

// Definition returns the live definition, nil before the first Load.
func (e *Engine) Definition() *Definition { return e.def.Load() }

// Load performs the initial load. Unlike Reload, a failure here is
// returned to the caller: a service must not start without its filter.
func (e *Engine) Load() error {
	def, err := LoadDefinition(e.path)
	if err != nil {
		return err
	}
	e.def.Store(def)
	e.log.Info("filter definition loaded", "service", e.service, "path", e.path, "rules", def.Len())
	return nil
}

// Reload swaps in a freshly compiled definition. On failure the
// last-good definition stays live and the error is reported but not
// propagated to any flow.
func (e *Engine) Reload() error {
	def, err := LoadDefinition(e.path)
	if err != nil {
		e.log.WithError(err).Warn("filter reload failed, keeping previous definition",
			"service", e.service, "path", e.path)
		if e.mx != nil {
			e.mx.FilterReload("failure")
		}
		if e.hub != nil {
			e.hub.Publish(events.Event{
				Type:    events.FilterReloadFailed,
				Service: e.service,
				Fields: map[string]any{
					"path":  e.path,
					"error": err.Error(),
				},
			})
		}
		return err
	}
	e.def.Store(def)
	e.log.Info("filter definition reloaded", "service", e.service, "path", e.path, "rules", def.Len())
	if e.mx != nil {
		e.mx.FilterReload("success")
	}
	if e.hub != nil {
		e.hub.Publish(events.Event{
			Type:    events.FilterReloaded,
			Service: e.service,
			Fields: map[string]any{
				"path":  e.path,
				"rules": def.Len(),
			},
		})
	}
	return nil
}

// Evaluate returns exactly one verdict for the unit. Safe for
// concurrent use across flows; callers serialize per direction. A
// canceled context passes the unit through, the flow is tearing down
// and the verdict is moot.
func (e *Engine) Evaluate(ctx context.Context, u *Unit, m *Meta) Verdict {
	if ctx.Err() != nil {
		return Verdict{Action: Pass}
	}
	def := e.def.Load()
	if def == nil {
		return Verdict{Action: Pass}
	}
	v := def.evaluate(u, m)
	if v.Rule != "" {
		e.log.Debug("filter verdict",
			"service", m.Service, "flow", m.FlowID,
			"phase", string(u.Phase), "rule", v.Rule, "verdict", v.Action.String())
	}
	if e.mx != nil {
		e.mx.FilterVerdict(m.Service, v.Action.String())
	}
	return v
}
