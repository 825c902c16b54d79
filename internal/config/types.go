// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the flytrap YAML configuration. A
// document describes one or more proxied services plus process-wide
// logging, syslog, and admin API settings. Legacy single-service layouts
// (service keys at the top level, no services list) are still accepted,
// as are the from_*/to_* alias spellings for the client_*/server_* keys.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/netutil"
)

// Defaults applied while decoding. Transport and limit settings are fixed
// for the process lifetime; only filter definitions hot-reload.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxHistory      = uint64(512 << 20) // 512 MiB per direction
	DefaultMaxBody         = uint64(16 << 20)  // 16 MiB per HTTP message
	DefaultDumpInterval    = 60 * time.Second
	DefaultDumpMaxPackets  = 512
	DefaultDumpQueue       = 400
	DefaultFilterDebounce  = 2 * time.Second
	DefaultMonitorInterval = 10 * time.Second
)

// Duration decodes from either a duration string ("30s", "1m30s") or a
// bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if parsed, perr := time.ParseDuration(s); perr == nil {
			*d = Duration(parsed)
			return nil
		}
		secs, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Size decodes from a human byte-size string ("512MiB", "16 MB") or a
// bare number of bytes.
type Size uint64

// Bytes returns the size in bytes.
func (s Size) Bytes() uint64 { return uint64(s) }

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err == nil {
		n, perr := humanize.ParseBytes(str)
		if perr != nil {
			return fmt.Errorf("invalid size %q: %v", str, perr)
		}
		*s = Size(n)
		return nil
	}
	var n uint64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid size %q", value.Value)
	}
	*s = Size(n)
	return nil
}

// Config is the top-level flytrap configuration.
type Config struct {
	LogLevel  string
	LogFormat string
	Syslog    logging.SyslogConfig
	API       *APIConfig
	Services  []*Service
}

// APIConfig configures the admin API listener. The API stays disabled
// when no listen address is set.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Service describes one proxied service: where to listen, which backend
// to relay to, and which optional layers (TLS, HTTP framing, filtering,
// capture, monitoring) are active. Immutable after load.
type Service struct {
	Name string

	// ClientIP/ClientPort form the listen address. ClientIP must be a
	// literal IP.
	ClientIP   string
	ClientPort uint16

	// ServerIP/ServerPort form the backend address. A hostname is
	// accepted for ServerIP and resolved at dial time.
	ServerIP   string
	ServerPort uint16

	// Idle timeouts, per direction. A flow with no bytes in either
	// direction for the smaller of the two is torn down.
	ClientTimeout time.Duration
	ServerTimeout time.Duration

	// History ring capacities, in bytes, per direction.
	ClientMaxHistory uint64
	ServerMaxHistory uint64

	TLS     *TLSConfig     // nil unless tls_enabled
	HTTP    *HTTPConfig    // nil unless http_enabled
	Filter  *FilterConfig  // nil unless a filter file is configured
	Capture *CaptureConfig // nil unless dump_enabled
	Monitor *MonitorConfig // nil unless monitor_enabled
}

// ClientAddr returns the listen address in host:port form.
func (s *Service) ClientAddr() string {
	return netutil.HostPort(s.ClientIP, int(s.ClientPort))
}

// ServerAddr returns the backend address in host:port form.
func (s *Service) ServerAddr() string {
	return netutil.HostPort(s.ServerIP, int(s.ServerPort))
}

// IdleTimeout returns the effective whole-flow idle limit: the smaller
// of the two per-direction timeouts.
func (s *Service) IdleTimeout() time.Duration {
	if s.ClientTimeout < s.ServerTimeout {
		return s.ClientTimeout
	}
	return s.ServerTimeout
}

// TLSConfig enables TLS on both sides of a service: server-role toward
// the client with the configured certificate pair, client-role toward
// the backend. CAFile, when set, verifies the backend's chain; without
// it the backend leg is encrypted but not authenticated.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// HTTPConfig switches a service from raw relaying to HTTP/1.x message
// framing.
type HTTPConfig struct {
	KeepAlive  bool
	HalfClose  bool
	DateHeader bool
	MaxBody    uint64
}

// FilterConfig points a service at a rule file evaluated for every unit
// of traffic. When Watch is set the file is watched and hot-reloaded.
type FilterConfig struct {
	Path     string
	Watch    bool
	Debounce time.Duration
}

// CaptureConfig enables pcap capture of relayed traffic. Format is a
// filename template resolved at rotation time; Directory is created if
// missing.
type CaptureConfig struct {
	Directory  string
	Format     string
	Interval   time.Duration
	MaxPackets int
	Queue      int
}

// MonitorConfig enables periodic reachability probes of the backend.
type MonitorConfig struct {
	Interval time.Duration
}
