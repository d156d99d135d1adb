package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/Rajchodisetti/cycle-coordinator/internal/audit"
	"github.com/Rajchodisetti/cycle-coordinator/internal/command"
	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/cycle"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/resilience"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
	"github.com/Rajchodisetti/cycle-coordinator/internal/store"
)

func main() {
	var cfgPath, listen, backend string
	var auto bool
	flag.StringVar(&cfgPath, "config", "config/coordinator.yaml", "config path (missing file = defaults)")
	flag.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	flag.StringVar(&backend, "backend", "", "collaborator backend: http | simulated (overrides config)")
	flag.BoolVar(&auto, "auto", false, "start a cycle every scan interval while idle")
	flag.Parse()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if backend != "" {
		cfg.Services.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	var collab services.Collaborators
	switch cfg.Services.Backend {
	case "http":
		collab = services.NewHTTPClient(cfg.Services).Collaborators()
	default:
		collab = services.NewSimulated(cfg.Services.Seed, nil).Collaborators()
	}

	hub := audit.NewHub()
	go hub.Run(ctx)
	sinks := []audit.Sink{audit.StoreSink{Store: st}, hub}
	if cfg.Audit.Path != "" {
		fs, err := audit.NewFileSink(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("audit file: %v", err)
		}
		sinks = append(sinks, fs)
	}

	opts, err := cycle.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("cycle options: %v", err)
	}
	mgr, err := cycle.NewManager(opts, cycle.Deps{
		Store:    st,
		Audit:    audit.New(sinks...),
		Services: collab,
		Guards:   resilience.NewGuards(cfg, time.Now),
	})
	if err != nil {
		log.Fatalf("cycle manager: %v", err)
	}
	defer mgr.Close()
	if err := mgr.Recover(ctx); err != nil {
		log.Fatalf("recover active cycle: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           command.NewHandler(mgr, hub).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		observ.Log("coordinator_listen", map[string]any{
			"addr":    cfg.ListenAddr,
			"backend": cfg.Services.Backend,
			"store":   cfg.Store.Driver,
			"mode":    cfg.Cycle.DefaultMode,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	if auto || cfg.Cycle.AutoStart {
		go func() { _ = cycle.NewScheduler(mgr, 0).Run(ctx) }()
	}

	<-ctx.Done()
	observ.Log("coordinator_shutdown", nil)

	// a running cycle gets its grace period to close out
	if snap := mgr.Status(); snap.Active && snap.Cycle != nil && !snap.Flushing {
		stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopGrace+opts.LiquidationTimeout)
		if err := mgr.StopCycle(stopCtx, snap.Cycle.ID); err != nil {
			observ.Warn("shutdown_stop_failed", map[string]any{"cycle_id": snap.Cycle.ID, "error": err})
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// loadConfig falls back to defaults when the file does not exist
func loadConfig(path string) (config.Root, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		observ.Log("config_defaults", map[string]any{"path": path})
		return config.Default(), nil
	}
	return config.Load(path)
}
