// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/logging"
)

// LoadFile reads, decodes, and validates a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "load %s", filepath.Base(path))
	}
	return cfg, nil
}

// Parse decodes a YAML document, folds a legacy single-service layout
// into the services list, and validates the result.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "decode yaml")
	}
	if root.Kind == 0 {
		return nil, errors.New(errors.KindValidation, "empty configuration")
	}

	sys := logging.DefaultSyslogConfig()
	raw := rawTop{Syslog: &sys}
	if err := root.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "decode yaml")
	}

	cfg := &Config{
		LogLevel:  raw.LogLevel,
		LogFormat: raw.LogFormat,
		Syslog:    *raw.Syslog,
		API:       raw.API,
		Services:  raw.Services,
	}

	// Legacy layout: the service keys live at the document root.
	if len(cfg.Services) == 0 {
		var svc Service
		if err := root.Decode(&svc); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "decode yaml")
		}
		if svc.Name != "" || svc.ClientPort != 0 || svc.ServerPort != 0 {
			cfg.Services = []*Service{&svc}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type rawTop struct {
	LogLevel  string                `yaml:"log_level"`
	LogFormat string                `yaml:"log_format"`
	Syslog    *logging.SyslogConfig `yaml:"syslog"`
	API       *APIConfig            `yaml:"api"`
	Services  []*Service            `yaml:"services"`
}

// rawService carries every accepted key spelling; aliases are folded in
// Service.UnmarshalYAML. Pointer fields distinguish "absent" from zero so
// defaults only fill genuinely missing keys.
type rawService struct {
	ServiceName string `yaml:"service_name"`
	Name        string `yaml:"name"`

	ClientIP   string  `yaml:"client_ip"`
	FromIP     string  `yaml:"from_ip"`
	ClientPort *uint16 `yaml:"client_port"`
	FromPort   *uint16 `yaml:"from_port"`
	ServerIP   string  `yaml:"server_ip"`
	ToIP       string  `yaml:"to_ip"`
	ServerPort *uint16 `yaml:"server_port"`
	ToPort     *uint16 `yaml:"to_port"`

	ClientTimeout *Duration `yaml:"client_timeout"`
	FromTimeout   *Duration `yaml:"from_timeout"`
	ServerTimeout *Duration `yaml:"server_timeout"`
	ToTimeout     *Duration `yaml:"to_timeout"`

	ClientMaxHistory *Size `yaml:"client_max_history"`
	FromMaxHistory   *Size `yaml:"from_max_history"`
	ServerMaxHistory *Size `yaml:"server_max_history"`
	ToMaxHistory     *Size `yaml:"to_max_history"`

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	HTTPEnabled    bool  `yaml:"http_enabled"`
	HTTPKeepAlive  *bool `yaml:"http_keep_alive"`
	HTTPHalfClose  *bool `yaml:"http_half_close"`
	HTTPDateHeader *bool `yaml:"http_date_header"`
	HTTPMaxBody    *Size `yaml:"http_max_body"`

	FilterPath     string    `yaml:"filter_path"`
	ScriptPath     string    `yaml:"script_path"`
	FilterWatch    *bool     `yaml:"filter_watch"`
	FilterDebounce *Duration `yaml:"filter_debounce"`

	DumpEnabled    bool      `yaml:"dump_enabled"`
	DumpPath       string    `yaml:"dump_path"`
	DumpFormat     string    `yaml:"dump_format"`
	DumpInterval   *Duration `yaml:"dump_interval"`
	DumpMaxPackets *int      `yaml:"dump_max_packets"`
	DumpQueue      *int      `yaml:"dump_queue"`

	MonitorEnabled  bool      `yaml:"monitor_enabled"`
	MonitorInterval *Duration `yaml:"monitor_interval"`
}

func (s *Service) UnmarshalYAML(value *yaml.Node) error {
	var raw rawService
	if err := value.Decode(&raw); err != nil {
		return err
	}

	name, err := foldString("service_name", raw.ServiceName, "name", raw.Name)
	if err != nil {
		return err
	}
	clientIP, err := foldString("client_ip", raw.ClientIP, "from_ip", raw.FromIP)
	if err != nil {
		return err
	}
	serverIP, err := foldString("server_ip", raw.ServerIP, "to_ip", raw.ToIP)
	if err != nil {
		return err
	}
	clientPort, err := foldPort("client_port", raw.ClientPort, "from_port", raw.FromPort)
	if err != nil {
		return err
	}
	serverPort, err := foldPort("server_port", raw.ServerPort, "to_port", raw.ToPort)
	if err != nil {
		return err
	}
	clientTimeout, err := foldDuration("client_timeout", raw.ClientTimeout, "from_timeout", raw.FromTimeout, DefaultTimeout)
	if err != nil {
		return err
	}
	serverTimeout, err := foldDuration("server_timeout", raw.ServerTimeout, "to_timeout", raw.ToTimeout, DefaultTimeout)
	if err != nil {
		return err
	}
	clientHistory, err := foldSize("client_max_history", raw.ClientMaxHistory, "from_max_history", raw.FromMaxHistory, DefaultMaxHistory)
	if err != nil {
		return err
	}
	serverHistory, err := foldSize("server_max_history", raw.ServerMaxHistory, "to_max_history", raw.ToMaxHistory, DefaultMaxHistory)
	if err != nil {
		return err
	}
	filterPath, err := foldString("filter_path", raw.FilterPath, "script_path", raw.ScriptPath)
	if err != nil {
		return err
	}

	*s = Service{
		Name:             name,
		ClientIP:         clientIP,
		ClientPort:       clientPort,
		ServerIP:         serverIP,
		ServerPort:       serverPort,
		ClientTimeout:    clientTimeout,
		ServerTimeout:    serverTimeout,
		ClientMaxHistory: clientHistory,
		ServerMaxHistory: serverHistory,
	}

	if raw.TLSEnabled {
		s.TLS = &TLSConfig{
			CertFile: raw.TLSCertFile,
			KeyFile:  raw.TLSKeyFile,
			CAFile:   raw.TLSCAFile,
		}
	}
	if raw.HTTPEnabled {
		s.HTTP = &HTTPConfig{
			KeepAlive:  boolOr(raw.HTTPKeepAlive, true),
			HalfClose:  boolOr(raw.HTTPHalfClose, false),
			DateHeader: boolOr(raw.HTTPDateHeader, true),
			MaxBody:    sizeOr(raw.HTTPMaxBody, DefaultMaxBody),
		}
	}
	if filterPath != "" {
		s.Filter = &FilterConfig{
			Path:     filterPath,
			Watch:    boolOr(raw.FilterWatch, true),
			Debounce: durOr(raw.FilterDebounce, DefaultFilterDebounce),
		}
	}
	if raw.DumpEnabled {
		s.Capture = &CaptureConfig{
			Directory:  raw.DumpPath,
			Format:     raw.DumpFormat,
			Interval:   durOr(raw.DumpInterval, DefaultDumpInterval),
			MaxPackets: intOr(raw.DumpMaxPackets, DefaultDumpMaxPackets),
			Queue:      intOr(raw.DumpQueue, DefaultDumpQueue),
		}
	}
	if raw.MonitorEnabled {
		s.Monitor = &MonitorConfig{
			Interval: durOr(raw.MonitorInterval, DefaultMonitorInterval),
		}
	}
	return nil
}

func foldString(aName, a, bName, b string) (string, error) {
	if a != "" && b != "" {
		return "", fmt.Errorf("%s and %s are aliases; set only one", aName, bName)
	}
	if a != "" {
		return a, nil
	}
	return b, nil
}

func foldPort(aName string, a *uint16, bName string, b *uint16) (uint16, error) {
	if a != nil && b != nil {
		return 0, fmt.Errorf("%s and %s are aliases; set only one", aName, bName)
	}
	if a != nil {
		return *a, nil
	}
	if b != nil {
		return *b, nil
	}
	return 0, nil
}

func foldDuration(aName string, a *Duration, bName string, b *Duration, def time.Duration) (time.Duration, error) {
	if a != nil && b != nil {
		return 0, fmt.Errorf("%s and %s are aliases; set only one", aName, bName)
	}
	if a != nil {
		return a.Std(), nil
	}
	if b != nil {
		return b.Std(), nil
	}
	return def, nil
}

func foldSize(aName string, a *Size, bName string, b *Size, def uint64) (uint64, error) {
	if a != nil && b != nil {
		return 0, fmt.Errorf("%s and %s are aliases; set only one", aName, bName)
	}
	if a != nil {
		return a.Bytes(), nil
	}
	if b != nil {
		return b.Bytes(), nil
	}
	return def, nil
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func durOr(v *Duration, def time.Duration) time.Duration {
	if v != nil {
		return v.Std()
	}
	return def
}

func sizeOr(v *Size, def uint64) uint64 {
	if v != nil {
		return v.Bytes()
	}
	return def
}
