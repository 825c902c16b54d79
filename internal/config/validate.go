// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/logging"
)

// Validate checks the decoded configuration and returns a KindValidation
// error describing the first problem found.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return errors.New(errors.KindValidation, "no services configured")
	}
	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			return errors.Wrap(err, errors.KindValidation, "log_level")
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.Errorf(errors.KindValidation, "log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Syslog.Enabled && c.Syslog.Host == "" {
		return errors.New(errors.KindValidation, "syslog.host is required when syslog is enabled")
	}
	if c.API != nil && c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return errors.Wrap(err, errors.KindValidation, "api.listen")
		}
	}

	names := make(map[string]struct{}, len(c.Services))
	binds := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return err
		}
		if _, dup := names[svc.Name]; dup {
			return errors.Errorf(errors.KindValidation, "duplicate service name %q", svc.Name)
		}
		names[svc.Name] = struct{}{}
		bind := svc.ClientAddr()
		if _, dup := binds[bind]; dup {
			return errors.Errorf(errors.KindValidation, "service %s: listen address %s already in use", svc.Name, bind)
		}
		binds[bind] = struct{}{}
	}
	return nil
}

// Validate checks a single service definition.
func (s *Service) Validate() error {
	if s.Name == "" {
		return errors.New(errors.KindValidation, "service_name is required")
	}
	if s.ClientIP == "" {
		return errors.Errorf(errors.KindValidation, "service %s: client_ip is required", s.Name)
	}
	if net.ParseIP(s.ClientIP) == nil {
		return errors.Errorf(errors.KindValidation, "service %s: client_ip %q is not an IP address", s.Name, s.ClientIP)
	}
	if s.ClientPort == 0 {
		return errors.Errorf(errors.KindValidation, "service %s: client_port is required", s.Name)
	}
	if s.ServerIP == "" {
		return errors.Errorf(errors.KindValidation, "service %s: server_ip is required", s.Name)
	}
	if s.ServerPort == 0 {
		return errors.Errorf(errors.KindValidation, "service %s: server_port is required", s.Name)
	}
	if s.ClientTimeout <= 0 || s.ServerTimeout <= 0 {
		return errors.Errorf(errors.KindValidation, "service %s: timeouts must be positive", s.Name)
	}
	if s.ClientMaxHistory == 0 || s.ServerMaxHistory == 0 {
		return errors.Errorf(errors.KindValidation, "service %s: max_history must be positive", s.Name)
	}
	if s.TLS != nil {
		if s.TLS.CertFile == "" {
			return errors.Errorf(errors.KindValidation, "service %s: tls_cert_file is required when tls_enabled", s.Name)
		}
		if s.TLS.KeyFile == "" {
			return errors.Errorf(errors.KindValidation, "service %s: tls_key_file is required when tls_enabled", s.Name)
		}
	}
	if s.HTTP != nil && s.HTTP.MaxBody == 0 {
		return errors.Errorf(errors.KindValidation, "service %s: http_max_body must be positive", s.Name)
	}
	if s.Filter != nil && s.Filter.Debounce <= 0 {
		return errors.Errorf(errors.KindValidation, "service %s: filter_debounce must be positive", s.Name)
	}
	if s.Capture != nil {
		if s.Capture.Directory == "" {
			return errors.Errorf(errors.KindValidation, "service %s: dump_path is required when dump_enabled", s.Name)
		}
		if s.Capture.Format == "" {
			return errors.Errorf(errors.KindValidation, "service %s: dump_format is required when dump_enabled", s.Name)
		}
		if s.Capture.Interval <= 0 {
			return errors.Errorf(errors.KindValidation, "service %s: dump_interval must be positive", s.Name)
		}
		if s.Capture.MaxPackets <= 0 {
			return errors.Errorf(errors.KindValidation, "service %s: dump_max_packets must be positive", s.Name)
		}
		if s.Capture.Queue <= 0 {
			return errors.Errorf(errors.KindValidation, "service %s: dump_queue must be positive", s.Name)
		}
	}
	if s.Monitor != nil && s.Monitor.Interval <= 0 {
		return errors.Errorf(errors.KindValidation, "service %s: monitor_interval must be positive", s.Name)
	}
	return nil
}
