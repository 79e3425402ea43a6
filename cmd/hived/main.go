// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command hived is the Hive controller daemon: it owns the persistent
// store, the switch matrix, the hardware state manager, and the task
// manager dispatcher loop. The HTTP/GraphQL/websocket surface that would
// invoke internal/ctlplane's four operations is out of scope (spec.md §1);
// this binary wires the core and leaves that surface to be layered on.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hive.dev/hive/internal/config"
	"hive.dev/hive/internal/ctlplane"
	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/hwstate"
	hivemetrics "hive.dev/hive/internal/metrics"
	"hive.dev/hive/internal/runnersupervisor"
	"hive.dev/hive/internal/sandbox"
	"hive.dev/hive/internal/store"
	"hive.dev/hive/internal/switchmatrix"
	"hive.dev/hive/internal/taskmanager"
	"hive.dev/hive/internal/testprogram"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		log.Printf("[hived] loading config from %s", *configPath)
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("[hived] failed to load config: %v", err)
		}
	} else {
		log.Printf("[hived] no -config given, using built-in defaults")
		cfg = config.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("[hived] failed to create data dir %s: %v", cfg.DataDir, err)
	}
	binDir := filepath.Join(cfg.DataDir, "runs")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		log.Fatalf("[hived] failed to create runs dir %s: %v", binDir, err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "hive.db"))
	if err != nil {
		log.Fatalf("[hived] failed to open store: %v", err)
	}
	defer db.Close()

	seedDefaultTestprogram(db)

	// The real switch-matrix bus and debug-probe drivers are out of scope
	// (spec.md §1, "the low-level GPIO/I2C drivers"); this is the wiring
	// point a hardware backend attaches to. Development and CI run against
	// the in-memory simulators.
	matrix := switchmatrix.New(switchmatrix.NewSimBus())
	cache := testprogram.New(&testprogram.SimAssembler{})
	hw := hwstate.New(matrix, db, cache, hwstate.NewSimProbeDriver())

	m := hivemetrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		log.Fatalf("[hived] failed to register metrics: %v", err)
	}

	sandboxer := &sandbox.Sandboxer{BinaryPath: cfg.SandboxerPath}
	profile := sandbox.DefaultProfile(filepath.Join(cfg.DataDir, "runner-workdir"), cfg.DataDir)

	var live atomic.Pointer[config.Config]
	live.Store(cfg)

	engine := &ctlplane.Engine{
		HW:      hw,
		Metrics: m,
		BinDir:  binDir,
		NewSupervisor: func(runnerPath string) *runnersupervisor.Supervisor {
			return &runnersupervisor.Supervisor{
				Sandboxer:  sandboxer,
				RunnerPath: runnerPath,
				Profile:    profile,
				RunTimeout: live.Load().DefaultTestTimeout(),
			}
		},
	}
	engine.Tasks = taskmanager.New(engine.Run)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Tasks.Run(ctx)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, reg)
	}

	log.Printf("[hived] ready: data_dir=%s socket_dir=%s task_queue_depth=%d",
		cfg.DataDir, cfg.SocketDir, cfg.TaskQueueDepth)

	runUntilShutdown(*configPath, &live)
	log.Printf("[hived] shutting down")
	cancel()
}

// runUntilShutdown blocks until SIGINT or SIGTERM. A SIGHUP instead
// reloads configPath and swaps it into live, the way the teacher's
// RunReload sends a running daemon SIGHUP to pick up an edited config
// file (cmd/reload.go) — except here the daemon handles its own signal
// rather than a separate CLI subcommand sending it.
func runUntilShutdown(configPath string, live *atomic.Pointer[config.Config]) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			return
		}
		reloadConfig(configPath, live)
	}
}

func reloadConfig(configPath string, live *atomic.Pointer[config.Config]) {
	if configPath == "" {
		log.Printf("[hived] SIGHUP received but no -config given, nothing to reload")
		return
	}
	reloaded, err := config.LoadFile(configPath)
	if err != nil {
		log.Printf("[hived] config reload failed, keeping previous config: %v", err)
		return
	}
	// Clone so the pointer other goroutines read never aliases whatever
	// buffers the HCL loader holds onto internally.
	clone := reloaded.Clone()
	if clone == nil {
		log.Printf("[hived] config reload failed to clone, keeping previous config")
		return
	}
	live.Store(clone)
	log.Printf("[hived] config reloaded from %s", configPath)
}

func seedDefaultTestprogram(db *store.Store) {
	var name string
	if found, err := db.Get(store.KeyActiveTestprogram, &name); err != nil {
		log.Fatalf("[hived] failed to read active testprogram: %v", err)
	} else if found {
		return
	}

	if err := db.Put(store.KeyActiveTestprogram, hwmodel.DefaultTestprogramName); err != nil {
		log.Fatalf("[hived] failed to seed active testprogram name: %v", err)
	}
	if err := db.Put(store.TestprogramKey(hwmodel.DefaultTestprogramName), hwmodel.Testprogram{
		Name: hwmodel.DefaultTestprogramName,
	}); err != nil {
		log.Fatalf("[hived] failed to seed default testprogram record: %v", err)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("[hived] metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[hived] metrics server exited: %v", err)
	}
}
