package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_mesh/internal/auth"
	"github.com/austindbirch/harbor_mesh/internal/config"
	"github.com/austindbirch/harbor_mesh/internal/db"
	"github.com/austindbirch/harbor_mesh/internal/discovery"
	"github.com/austindbirch/harbor_mesh/internal/health"
	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/node"
	"github.com/austindbirch/harbor_mesh/internal/registry/memory"
	"github.com/austindbirch/harbor_mesh/internal/registry/postgres"
	"github.com/austindbirch/harbor_mesh/internal/scheduler"
	"github.com/austindbirch/harbor_mesh/internal/tracing"
	"github.com/austindbirch/harbor_mesh/internal/transport/nsq"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName).WithLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(cfg.AppName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("Invalid configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("Node exited with error")
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	instance := uuid.NewString()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.Node.ServiceID, instance, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg, pinger, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	ps, err := nsq.New(ctx, nsq.Config{
		NSQDAddr:         cfg.NSQ.NsqdTCPAddr,
		LookupdHTTPAddrs: cfg.NSQ.LookupHTTPAddrs,
		Instance:         instance,
		MaxInFlight:      cfg.NSQ.MaxInFlight,
	}, nsq.WithLogger(logger))
	if err != nil {
		return err
	}

	authOpts, err := authOptions(cfg.Auth, cfg.Node)
	if err != nil {
		_ = ps.Close()
		return err
	}

	var n *node.Node
	opts := append([]node.Option{
		node.WithInstanceID(instance),
		node.WithLogger(logger),
		node.WithLogForwarding(logging.LevelError),
	}, authOpts...)
	n, err = node.New(node.Config{
		Namespace: cfg.Node.Namespace,
		ServiceID: cfg.Node.ServiceID,
		Scheduler: scheduler.Config{
			ConcurrencyLimit:    cfg.Node.ConcurrencyLimit,
			RequestsPerInterval: cfg.Node.RequestsPerInterval,
			Interval:            cfg.Node.Interval,
		},
		RequestCallbackTimeout: cfg.Node.RequestCallbackTimeout,
		StatusUpdateInterval:   cfg.Node.StatusUpdateInterval,
	}, ps, discovery.NewManager(reg, discovery.WithLogger(logger)),
		exampleHandlers(func() *node.Node { return n }), opts...)
	if err != nil {
		_ = ps.Close()
		return err
	}

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(n.Status, pinger))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	if err := n.Initialize(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("initialize node: %w", err)
	}
	logger.Plain().WithFields(map[string]any{
		"address":  n.Address().String(),
		"registry": cfg.Registry.Backend,
		"http":     cfg.HTTPPort,
	}).Info("harbormesh node started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		nsq.NewStatsMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.Node.Namespace, cfg.NSQ.StatsInterval, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down node")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs error
		if err := n.Stop(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop node: %w", err))
		}
		errs = multierr.Append(errs, ps.Close())
		errs = multierr.Append(errs, httpSrv.Shutdown(shutdownCtx))
		return errs
	})

	err = g.Wait()
	logger.Plain().Info("harbormesh node stopped")
	return err
}

// openRegistry returns the configured registry backend and, for postgres,
// the pool the health endpoint pings
func openRegistry(ctx context.Context, cfg config.Config) (discovery.Registry, health.Pinger, func(), error) {
	if cfg.Registry.Backend == config.BackendMemory {
		return memory.New(), nil, func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return postgres.New(pool), pool, pool.Close, nil
}

// authOptions wires token signing and checking from key files
func authOptions(cfg config.Auth, nodeCfg config.Node) ([]node.Option, error) {
	var opts []node.Option
	if cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := auth.NewSigner(string(key), cfg.Issuer, cfg.Audience, nodeCfg.Namespace, nodeCfg.ServiceID, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, node.WithEnrichRequest(signer.Enrich))
	}
	if cfg.PublicKeyFile != "" {
		key, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		validator, err := auth.NewValidator(string(key), cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, err
		}
		opts = append(opts, node.WithAuthorize(validator.Authorize))
	}
	return opts, nil
}
