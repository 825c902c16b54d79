// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flytrap runs the intercepting proxy: it fronts one or more
// backend services, relays and filters their traffic, and optionally
// captures it to rotating pcap files.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"grimm.is/flytrap/internal/api"
	"grimm.is/flytrap/internal/capture"
	"grimm.is/flytrap/internal/config"
	"grimm.is/flytrap/internal/events"
	"grimm.is/flytrap/internal/filter"
	"grimm.is/flytrap/internal/flow"
	"grimm.is/flytrap/internal/logging"
	"grimm.is/flytrap/internal/metrics"
	"grimm.is/flytrap/internal/monitor"
	"grimm.is/flytrap/internal/proxy"
)

// shutdownTimeout bounds the graceful drain after a termination signal.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("c", "", "path to YAML configuration file (required)")
	verbose := flag.Bool("v", false, "enable debug logging")
	watch := flag.Bool("w", true, "watch filter definition files for changes")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: flytrap -c <config.yaml> [-v] [-w=false]")
		os.Exit(2)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flytrap: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := buildLogger(cfg, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flytrap: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	logging.SetDefault(log)

	log.Info("starting flytrap", "config", *configPath, "services", len(cfg.Services), "pid", os.Getpid())

	raiseNoFile(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, *watch, log); err != nil {
		log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	log.Info("flytrap stopped")
}

// buildLogger assembles the process logger from the config, optionally
// teeing output to a syslog collector. The returned closer flushes the
// syslog connection at exit.
func buildLogger(cfg *config.Config, verbose bool) (*logging.Logger, func(), error) {
	logCfg := logging.DefaultConfig()
	if cfg.LogLevel != "" {
		lvl, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, err
		}
		logCfg.Level = lvl
	}
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	if cfg.LogFormat != "" {
		logCfg.Format = cfg.LogFormat
	}

	closeLog := func() {}
	if cfg.Syslog.Enabled {
		sw, err := logging.NewSyslogWriter(cfg.Syslog)
		if err != nil {
			return nil, nil, err
		}
		logCfg.Output = io.MultiWriter(os.Stderr, sw)
		closeLog = func() { sw.Close() }
	}

	return logging.New(logCfg), closeLog, nil
}

// raiseNoFile lifts the soft NOFILE limit to the hard limit. Every flow
// costs at least two sockets plus capture file handles; default soft
// limits are too tight under load.
func raiseNoFile(log *logging.Logger) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.WithError(err).Warn("cannot read NOFILE limit")
		return
	}
	if lim.Cur >= lim.Max {
		return
	}
	lim.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.WithError(err).Warn("cannot raise NOFILE limit")
		return
	}
	log.Info("raised NOFILE limit", "soft", lim.Cur)
}

// run wires every subsystem, serves until ctx is canceled, then drains.
// stop releases the signal handler so a second signal kills the process
// during a stuck drain.
func run(ctx context.Context, stop func(), cfg *config.Config, watch bool, log *logging.Logger) error {
	hub := events.NewHub(events.DefaultRecentSize)
	mx := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(mx)

	mgr := flow.NewManager(log, hub, mx, flow.ManagerOptions{})
	mgr.Start()

	var (
		engines  []*filter.Engine
		watchers []*filter.Watcher
		sessions []*capture.Session
		servers  []*proxy.Server
	)

	for _, svc := range cfg.Services {
		var eng *filter.Engine
		if svc.Filter != nil {
			eng = filter.NewEngine(svc.Name, svc.Filter.Path, log, hub, mx)
			if err := eng.Load(); err != nil {
				return err
			}
			engines = append(engines, eng)

			if watch && svc.Filter.Watch {
				w, err := filter.Watch(eng, svc.Filter.Debounce, log)
				if err != nil {
					return err
				}
				watchers = append(watchers, w)
			}
		}

		var sess *capture.Session
		if svc.Capture != nil {
			var err error
			sess, err = capture.NewSession(capture.Options{
				Service:     svc.Name,
				ListenIP:    svc.ClientIP,
				ListenPort:  svc.ClientPort,
				BackendHost: svc.ServerIP,
				BackendPort: svc.ServerPort,
				Directory:   svc.Capture.Directory,
				Format:      svc.Capture.Format,
				Interval:    svc.Capture.Interval,
				MaxPackets:  svc.Capture.MaxPackets,
				QueueSize:   svc.Capture.Queue,
			}, log, hub, mx)
			if err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}

		srv, err := proxy.NewServer(svc, mgr, eng, sess, log, mx)
		if err != nil {
			return err
		}
		servers = append(servers, srv)
	}

	mon := monitor.NewService(cfg.Services, log, hub, mx)
	mon.Start()

	var adminAPI *api.Server
	if cfg.API != nil && cfg.API.Listen != "" {
		adminAPI = api.NewServer(api.Options{
			Listen:   cfg.API.Listen,
			Services: cfg.Services,
			Manager:  mgr,
			Engines:  engines,
			Monitor:  mon,
			Hub:      hub,
			Registry: registry,
		}, log)
		if err := adminAPI.Start(); err != nil {
			return err
		}
	}

	for _, srv := range servers {
		srv.Start(ctx)
	}
	log.Info("flytrap ready")

	<-ctx.Done()
	stop()
	log.Info("shutdown signal received")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Flows are already tearing down: their contexts descend from ctx.
	// Stop the accept loops, then release whatever remains.
	for _, srv := range servers {
		srv.Shutdown()
	}
	mgr.Shutdown(shutCtx)
	for _, sess := range sessions {
		sess.Close()
	}
	mon.Stop()
	for _, w := range watchers {
		w.Stop()
	}
	if adminAPI != nil {
		if err := adminAPI.Shutdown(shutCtx); err != nil {
			log.WithError(err).Warn("admin api shutdown incomplete")
		}
	}
	return nil
}
