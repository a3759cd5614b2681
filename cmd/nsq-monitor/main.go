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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_mesh/internal/config"
	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/transport/nsq"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New("nsq-monitor").WithLevel(logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Plain().WithFields(map[string]any{
		"nsqd":      cfg.NSQ.NsqdHTTPAddr,
		"namespace": cfg.Node.Namespace,
		"interval":  cfg.NSQ.StatsInterval.String(),
		"http":      cfg.HTTPPort,
	}).Info("NSQ monitor starting")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("NSQ monitor exited with error")
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := &http.Server{Addr: cfg.HTTPPort, Handler: newMux(reg), ReadHeaderTimeout: 5 * time.Second}
	monitor := nsq.NewStatsMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.Node.Namespace, cfg.NSQ.StatsInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}
