// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package protocol frames relayed traffic into inspectable units: Raw
// mode passes opaque chunks through untouched, HTTP mode incrementally
// parses HTTP/1.x messages while preserving header order and spelling on
// the wire.
package protocol

import "fmt"

// Direction is the direction of travel of a traffic unit within a flow.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

// ParseDirection reads the wire spelling used in filter rules and the
// admin API.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "client_to_server":
		return ClientToServer, nil
	case "server_to_client":
		return ServerToClient, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
