package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/internal/circuitbreaker"
	"github.com/angeloszaimis/devserver/internal/handler"
	"github.com/angeloszaimis/devserver/internal/healthcheck"
	"github.com/angeloszaimis/devserver/internal/httpserver"
	"github.com/angeloszaimis/devserver/internal/livereload"
	"github.com/angeloszaimis/devserver/internal/metrics"
	"github.com/angeloszaimis/devserver/internal/proxy"
	"github.com/angeloszaimis/devserver/internal/static"
)

const metricsBufferSize = 1000

// devServer holds the components built from one configuration.
type devServer struct {
	cfg       *config.Config
	log       *slog.Logger
	rules     *proxy.Table
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector

	// nil when live reload is disabled or the asset directory cannot be watched
	watcher *livereload.Watcher
	hub     *livereload.Hub
}

func newDevServer(cfg *config.Config, log *slog.Logger) (*devServer, error) {
	rules, err := proxy.NewTable(cfg.Proxy, log)
	if err != nil {
		return nil, fmt.Errorf("build proxy rules: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(
		cfg.CircuitBreaker.Threshold,
		cfg.BreakerTimeout(),
		func(prefix string, from, to circuitbreaker.State) {
			log.Warn("Circuit breaker state changed",
				slog.String("prefix", prefix),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})

	ds := &devServer{
		cfg:       cfg,
		log:       log,
		rules:     rules,
		breakers:  breakers,
		collector: metrics.NewCollector(metricsBufferSize, log),
	}

	if cfg.LiveReload.Enabled {
		if err := ds.setupLiveReload(); err != nil {
			log.Warn("Live reload disabled",
				slog.String("dir", cfg.Static.Dir),
				slog.Any("err", err))
		}
	}

	return ds, nil
}

func (d *devServer) setupLiveReload() error {
	w, err := livereload.NewWatcher(d.cfg.Static.Dir, livereload.DefaultDebounce, d.cfg.LiveReload.Ignore, d.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	hub := livereload.NewHub(d.log, d.collector)
	w.Subscribe(hub)

	d.watcher, d.hub = w, hub
	return nil
}

func (d *devServer) liveReload() bool {
	return d.hub != nil
}

// handler returns the full request pipeline: proxy rules first, then the
// internal endpoints and static assets.
func (d *devServer) handler() http.Handler {
	opts := static.Options{HistoryFallback: d.cfg.Static.HistoryFallback}
	if d.liveReload() {
		opts.ScriptURL = scriptPath
	}

	mux := setupRouter(d, static.New(d.cfg.Static.Dir, opts))

	return handler.NewDevServerHandler(d.log, d.rules, d.breakers, mux, d.collector)
}

// startBackground launches the metrics collector, one health check per
// proxy rule and the file watcher. All of them stop with ctx.
func (d *devServer) startBackground(ctx context.Context) {
	d.collector.Start(ctx)

	for _, rule := range d.rules.Rules() {
		go healthcheck.HealthCheck(ctx, rule, d.cfg.HealthCheckInterval(), d.log, d.collector)
	}

	if d.watcher != nil {
		go d.watcher.Run(ctx)
	}
}

func (d *devServer) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Address(), err)
	}

	return d.serve(ctx, ln)
}

// serve blocks until ctx is cancelled or the listener fails.
func (d *devServer) serve(ctx context.Context, ln net.Listener) error {
	srv, err := httpserver.New(d.cfg.Address(), d.handler(),
		httpserver.WithShutdownTimeout(d.cfg.ShutdownTimeout()))
	if err != nil {
		ln.Close()
		return fmt.Errorf("create server: %w", err)
	}

	if d.hub != nil {
		srv.RegisterOnShutdown(d.hub.Close)
	}

	d.startBackground(ctx)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Serve(ln)
	}()

	d.log.Info("Dev server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("static_dir", d.cfg.Static.Dir),
		slog.Bool("live_reload", d.liveReload()))

	for _, rule := range d.rules.Rules() {
		d.log.Info("Proxying requests",
			slog.String("prefix", rule.Prefix()),
			slog.String("target", rule.Target().String()),
			slog.Bool("change_origin", rule.ChangeOrigin()))
	}

	select {
	case <-ctx.Done():
		d.log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			d.log.Error("Error during shutdown", slog.Any("err", err))
			return err
		}
		return nil

	case err := <-srvErrCh:
		return err
	}
}
