// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter evaluates relayed traffic against a hot-reloadable rule
// definition. Every traffic unit gets exactly one Verdict; rules are
// checked first-match-wins within the unit's phase.
package filter

import (
	"net"

	"grimm.is/flytrap/internal/protocol"
)

// Phase is the point in a flow's life at which a unit is evaluated.
type Phase string

const (
	// PhaseConnect runs once per flow at establishment, before any bytes.
	PhaseConnect Phase = "connect"
	// PhaseRaw runs per relayed chunk when the service is in raw mode.
	PhaseRaw Phase = "raw"
	// PhaseHTTPRequest and PhaseHTTPResponse run per framed message.
	PhaseHTTPRequest  Phase = "http-request"
	PhaseHTTPResponse Phase = "http-response"
)

func (p Phase) valid() bool {
	switch p {
	case PhaseConnect, PhaseRaw, PhaseHTTPRequest, PhaseHTTPResponse:
		return true
	}
	return false
}

// Action is the outcome class of a Verdict.
type Action int

const (
	// Pass forwards the unit, possibly mutated.
	Pass Action = iota
	// Drop discards the unit: it reaches neither the peer nor capture.
	Drop
	// Terminate tears the flow down.
	Terminate
)

func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Terminate:
		return "terminate"
	default:
		return "pass"
	}
}

// Unit is one evaluatable piece of traffic. Raw mode sets Data; HTTP
// mode sets Message; the connect phase sets neither.
type Unit struct {
	Phase     Phase
	Direction protocol.Direction
	Data      []byte
	Message   *protocol.Message
}

// Meta is the flow metadata visible to rules.
type Meta struct {
	FlowID   uint64
	Service  string
	ClientIP net.IP
	JA3      string
	SNI      string
}

// Response is a canned HTTP reply a kill rule may send to the client
// before teardown, in place of the default 403.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Verdict is the filter's decision for one unit. For Pass, a non-nil
// Data or Message carries the mutated unit to forward instead of the
// original. For Terminate on an HTTP phase, a non-nil Response overrides
// the courtesy reply.
type Verdict struct {
	Action   Action
	Data     []byte
	Message  *protocol.Message
	Response *Response
	Rule     string
}
