package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
	"github.com/Rajchodisetti/cycle-coordinator/internal/services"
)

// stubs serves all six collaborators from one simulated backend, each on
// the port its base URL names in the coordinator config
func main() {
	var cfgPath string
	var latency time.Duration
	var failRate float64
	flag.StringVar(&cfgPath, "config", "config/coordinator.yaml", "config path (missing file = defaults)")
	flag.DurationVar(&latency, "latency", 0, "latency added to every request")
	flag.Float64Var(&failRate, "fail-rate", 0, "share of requests answered with 503")
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, err = config.Load(cfgPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	sim := services.NewSimulated(cfg.Services.Seed, nil)
	handler := services.NewServer(sim.Collaborators(), services.ServerOptions{Latency: latency, FailRate: failRate})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range listenAddrs(cfg.Services) {
		srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			observ.Log("stub_listen", map[string]any{"addr": addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("stubs: %v", err)
	}
}

// listenAddrs returns one listen address per distinct collaborator port
func listenAddrs(s config.Services) []string {
	seen := map[string]bool{}
	var out []string
	for _, svc := range []config.Service{s.Scan, s.News, s.Pattern, s.Technical, s.Risk, s.Execution} {
		u, err := url.Parse(svc.BaseURL)
		if err != nil || u.Port() == "" {
			log.Printf("skipping collaborator base url %q", svc.BaseURL)
			continue
		}
		addr := net.JoinHostPort("", u.Port())
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}
