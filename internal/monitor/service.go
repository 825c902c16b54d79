// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor probes backend reachability for services that enable
// it. Probes run in the background, independent of flows: a down
// backend is reported but never blocks the proxy path.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/flytrap/internal/config"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
)

// Result holds the latest probe result for one service's backend.
type Result struct {
	Service   string        `json:"service"`
	Target    string        `json:"target"`
	IsUp      bool          `json:"is_up"`
	Latency   time.Duration `json:"latency"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}

type target struct {
	service  string
	host     string
	interval time.Duration
}

// Service manages background probing of monitored backends.
type Service struct {
	log *logging.Logger
	hub *events.Hub
	mx  *metrics.Metrics

	targets []target

	mu      sync.RWMutex
	results map[string]*Result
	known   map[string]bool // last observed state, keyed by service

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService builds a monitor over every service with monitoring
// enabled. Services without a monitor section are skipped.
func NewService(services []*config.Service, log *logging.Logger, hub *events.Hub, mx *metrics.Metrics) *Service {
	s := &Service{
		log:     log.WithComponent("monitor"),
		hub:     hub,
		mx:      mx,
		results: make(map[string]*Result),
		known:   make(map[string]bool),
		stop:    make(chan struct{}),
	}
	for _, svc := range services {
		if svc.Monitor == nil {
			continue
		}
		s.targets = append(s.targets, target{
			service:  svc.Name,
			host:     svc.ServerIP,
			interval: svc.Monitor.Interval,
		})
	}
	return s
}

// Start begins the probe loops.
func (s *Service) Start() {
	if len(s.targets) == 0 {
		return
	}
	s.log.Info("starting backend monitoring", "targets", len(s.targets))
	for _, t := range s.targets {
		s.wg.Add(1)
		go s.run(t)
	}
}

// Stop halts all probe loops and waits for them to exit.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Results returns the latest probe results, ordered by service name.
func (s *Service) Results() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Result, 0, len(s.results))
	for _, res := range s.results {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (s *Service) run(t target) {
	defer s.wg.Done()

	s.check(t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check(t)
		case <-s.stop:
			return
		}
	}
}

func (s *Service) check(t target) {
	latency, err := checkProbe(t.host)
	up := err == nil

	res := &Result{
		Service:   t.service,
		Target:    t.host,
		IsUp:      up,
		Latency:   latency,
		LastCheck: time.Now(),
	}
	if err != nil {
		res.Error = err.Error()
		s.log.WithError(err).Warn("backend probe failed", "service", t.service, "target", t.host)
	}

	s.mu.Lock()
	prev, seen := s.known[t.service]
	s.known[t.service] = up
	s.results[t.service] = res
	s.mu.Unlock()

	s.mx.BackendStatus(t.service, up, latency)

	if seen && prev == up {
		return
	}
	if up {
		s.log.Info("backend is up", "service", t.service, "target", t.host, "latency", latency)
		s.hub.Publish(events.Event{
			Type:    events.BackendUp,
			Service: t.service,
			Fields:  map[string]any{"target": t.host, "latency": latency.String()},
		})
	} else {
		s.hub.Publish(events.Event{
			Type:    events.BackendDown,
			Service: t.service,
			Fields:  map[string]any{"target": t.host, "error": err.Error()},
		})
	}
}

// CheckPingFunc performs one reachability probe. Package-level so tests
// can substitute a deterministic probe.
var CheckPingFunc = func(host string) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no reply from %s", host)
	}
	return stats.AvgRtt, nil
}

func checkProbe(host string) (time.Duration, error) {
	return CheckPingFunc(host)
}
