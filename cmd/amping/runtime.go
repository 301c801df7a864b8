package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/amlink/am"
	"github.com/najoast/amlink/config"
	"github.com/najoast/amlink/metrics"
	"github.com/najoast/amlink/observability"
	"github.com/najoast/amlink/transport/loopback"
	"github.com/najoast/amlink/transport/tcp"
)

// runtime holds what every subcommand shares.
type runtime struct {
	cfg      *config.Config
	watcher  *config.Watcher
	logger   *zap.Logger
	level    zap.AtomicLevel
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newRuntime(c *cli.Context) (*runtime, error) {
	loader := config.NewLoader()
	path := c.String(configArg)

	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	if lvl := c.String(levelArg); lvl != "" {
		cfg.Log.Level = config.LogLevel(lvl)
	}

	logger, level, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.With(zap.String("app", cfg.App.Name))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &runtime{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		registry: registry,
		metrics:  metrics.New(registry),
	}

	if path != "" {
		watcher, err := config.NewWatcher(path, loader, logger)
		if err != nil {
			return nil, err
		}
		watcher.OnConfigChange(r.applyConfig)
		if err := watcher.Start(); err != nil {
			return nil, err
		}
		r.watcher = watcher
	}
	return r, nil
}

// applyConfig handles the settings that can change at runtime.
func (r *runtime) applyConfig(oldConfig, newConfig *config.Config) {
	if oldConfig.Log.Level != newConfig.Log.Level {
		r.level.SetLevel(observability.ZapLevel(newConfig.Log.Level))
		r.logger.Info("Log level changed",
			zap.String("from", string(oldConfig.Log.Level)),
			zap.String("to", string(newConfig.Log.Level)))
	}
}

func (r *runtime) close() {
	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			r.logger.Warn("Failed to stop config watcher", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

func (r *runtime) workerOptions(name string) am.WorkerOptions {
	return am.WorkerOptions{
		Name:            name,
		QueueCapacity:   r.cfg.AM.QueueCapacity,
		AllowEagerProto: r.cfg.AM.AllowEagerProto,
		Logger:          r.logger,
		Metrics:         r.metrics,
	}
}

func (r *runtime) loopbackConfig() loopback.Config {
	return loopback.Config{
		EagerThreshold: r.cfg.Transport.EagerThreshold,
		RndvThreshold:  r.cfg.Transport.RndvThreshold,
	}
}

func (r *runtime) tcpConfig() tcp.Config {
	cfg := tcp.DefaultConfig()
	t := r.cfg.Transport
	cfg.EagerThreshold = t.EagerThreshold
	cfg.ScratchThreshold = t.ScratchThreshold
	cfg.MaxFrameSize = t.MaxFrameSize
	cfg.MaxRndvSize = t.MaxRndvSize
	cfg.WriteTimeout = t.WriteTimeout
	cfg.KeepAlive = t.KeepAlive
	if t.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = t.KeepAliveInterval
	}
	return cfg
}

// run executes fn alongside the metrics endpoint until fn returns, the
// context is canceled or the process is interrupted.
func (r *runtime) run(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	if r.cfg.Metrics.Enabled {
		g.Go(func() error { return r.serveMetrics(ctx, done) })
	}
	g.Go(func() error {
		defer close(done)
		return fn(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *runtime) serveMetrics(ctx context.Context, done <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle(r.cfg.Metrics.Path, promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              r.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	r.logger.Info("Serving metrics",
		zap.String("address", r.cfg.Metrics.Address),
		zap.String("path", r.cfg.Metrics.Path))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// poll drives w until ctx is done; the cancellation itself is not an error.
func poll(ctx context.Context, w *am.Worker) error {
	if err := w.Polling(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
