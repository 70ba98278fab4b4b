// Command gateway runs the LLM inference dispatch gateway: it loads
// the device registry and configuration, starts the health prober and
// job queue workers, and serves the HTTP surface until a termination
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/riverton-labs/llm-gateway/internal/cache"
	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/config"
	"github.com/riverton-labs/llm-gateway/internal/dispatcher"
	"github.com/riverton-labs/llm-gateway/internal/fleet"
	"github.com/riverton-labs/llm-gateway/internal/health"
	"github.com/riverton-labs/llm-gateway/internal/httpapi"
	"github.com/riverton-labs/llm-gateway/internal/jobqueue"
	"github.com/riverton-labs/llm-gateway/internal/metrics"
	"github.com/riverton-labs/llm-gateway/internal/registry"
	"github.com/riverton-labs/llm-gateway/internal/selector"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config YAML (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway: fatal startup error", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	reg, err := registry.Load(cfg.RegistryPath, log)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	devices, err := reg.Snapshot()
	if err != nil {
		return fmt.Errorf("registry snapshot: %w", err)
	}
	f := fleet.New(devices)
	log.Info("gateway: loaded devices", zap.Int("count", len(devices)))

	clk := clock.Real{}
	sel := selector.New(f)
	met := metrics.New()

	var respCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		respCache, err = cache.New(cfg.Cache.Capacity)
		if err != nil {
			return fmt.Errorf("build response cache: %w", err)
		}
	}

	dispatchClient := &http.Client{Timeout: 0} // per-request timeouts applied via context
	disp := dispatcher.New(f, sel, reg, respCache, met, dispatchClient, clk, log, cfg.Breaker, cfg.Dispatch)

	probeClient := &http.Client{Timeout: cfg.Health.Timeout + time.Second}
	prober := health.New(f, reg, probeClient, clk, log, cfg.Health, cfg.Breaker)

	queue := jobqueue.New(disp, clk, log, cfg.JobQueue.Workers)

	srv := httpapi.New(f, disp, queue, met, clk, log, cfg)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go prober.Run(ctx)
	queue.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("gateway: listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case s := <-sig:
		log.Info("gateway: received signal, shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway: http shutdown error", zap.Error(err))
	}

	cancel()
	queue.Wait()

	if err := reg.FlushIfDirty(); err != nil {
		log.Error("gateway: final registry flush failed", zap.Error(err))
	}
	return nil
}
