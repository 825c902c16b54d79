// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig configures forwarding of log output to a syslog collector.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // "udp" or "tcp"
	Tag      string `yaml:"tag"`
	Facility int    `yaml:"facility"`
}

// DefaultSyslogConfig returns the default (disabled) syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "flytrap",
		Facility: 1,
	}
}

// SyslogWriter forwards each written line to a remote syslog collector in
// RFC 3164 format. It is safe for concurrent use.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	cfg      SyslogConfig
	hostname string
}

// NewSyslogWriter connects to the configured collector. Host is required;
// port, protocol and tag fall back to the defaults when unset.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "flytrap"
	}
	if cfg.Protocol != "udp" && cfg.Protocol != "tcp" {
		return nil, fmt.Errorf("syslog protocol must be udp or tcp, got %q", cfg.Protocol)
	}

	conn, err := net.DialTimeout(cfg.Protocol, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("syslog dial failed: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &SyslogWriter{
		conn:     conn,
		cfg:      cfg,
		hostname: hostname,
	}, nil
}

// Write sends one syslog message per call. The severity is fixed at
// informational; level filtering happens in the Logger before output
// reaches the writer.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	const severityInfo = 6
	pri := w.cfg.Facility*8 + severityInfo

	msg := fmt.Sprintf("<%d>%s %s %s: %s\n",
		pri,
		time.Now().Format(time.Stamp),
		w.hostname,
		w.cfg.Tag,
		bytes.TrimRight(p, "\r\n"))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the collector connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}
