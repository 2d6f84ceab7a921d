package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/angeloszaimis/edgeproxy/config"
	"github.com/angeloszaimis/edgeproxy/internal/backend"
	"github.com/angeloszaimis/edgeproxy/internal/cors"
	"github.com/angeloszaimis/edgeproxy/internal/handler"
	"github.com/angeloszaimis/edgeproxy/internal/healthcheck"
	"github.com/angeloszaimis/edgeproxy/internal/httpserver"
	"github.com/angeloszaimis/edgeproxy/internal/loadbalancer"
	"github.com/angeloszaimis/edgeproxy/internal/metrics"
	"github.com/angeloszaimis/edgeproxy/internal/platform"
	"github.com/angeloszaimis/edgeproxy/internal/retry"
	"github.com/angeloszaimis/edgeproxy/internal/strategy"
	"github.com/angeloszaimis/edgeproxy/pkg/logger"
)

const (
	metricsBufferSize = 1024
	strategyName      = "round-robin"
)

var errNoBackends = errors.New("no valid backends configured")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "edgeproxy",
		Short:         "Whitelisting reverse proxy with CORS, round-robin and retry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				slog.Error("failed to load config", slog.Any("err", err))
				return err
			}

			log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, cfg, log); err != nil {
				log.Error("Proxy stopped with error", slog.Any("err", err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	flags.String("address", "", "proxy listen address (host:port)")
	flags.String("admin-address", "", "admin listen address for /metrics and /stats, empty disables it")
	flags.String("environment", "", "environment name (dev, staging, prod)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.StringSlice("backends", nil, "comma separated backend base URLs, replaces the configured pool")
	flags.Duration("timeout", 0, "per-attempt wait for upstream response headers, 0 disables it")
	flags.Int("max-retries", 0, "retries after the first attempt")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	client := newUpstreamClient()

	backends, err := initializeBackends(cfg, client, log)
	if err != nil {
		return err
	}

	lb, err := loadbalancer.NewLoadBalancer(strategy.NewRoundRobinStrategy(), backends)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(metricsBufferSize, log)

	proxyHandler := handler.NewProxyHandler(
		log,
		handlerOptions(cfg),
		lb,
		retry.NewExecutor(retryPolicy(cfg), clock.RealClock{}),
		platform.NewExtractor(platformHeaders(cfg), cfg.Proxy.ForwardedProto),
		handler.WithMetrics(collector),
	)

	timeouts := httpserver.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	}

	srv, err := httpserver.New(cfg.Server.Address, proxyHandler, timeouts)
	if err != nil {
		return fmt.Errorf("proxy server: %w", err)
	}

	var admin *httpserver.Server
	if cfg.Server.AdminAddress != "" {
		admin, err = httpserver.New(cfg.Server.AdminAddress, adminRouter(collector, strategyName), timeouts)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		collector.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("Proxy listening",
			slog.String("address", srv.Addr()),
			slog.Any("backends", cfg.URLs()),
			slog.Int("max_retries", cfg.Retry.MaxRetries),
			slog.Duration("timeout", cfg.Proxy.Timeout))
		return srv.Start()
	})

	if admin != nil {
		g.Go(func() error {
			log.Info("Admin listening", slog.String("address", admin.Addr()))
			return admin.Start()
		})
	}

	startProbers(gctx, g, backends, cfg, log, collector)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		err := srv.Shutdown(context.Background())
		if admin != nil {
			err = multierr.Append(err, admin.Shutdown(context.Background()))
		}
		return err
	})

	return g.Wait()
}

// newUpstreamClient returns the client shared by every backend. Compression
// is left to the client and backend so bodies are relayed byte for byte,
// and redirects are relayed rather than followed.
func newUpstreamClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	transport.MaxIdleConnsPerHost = 64

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func initializeBackends(cfg *config.Config, client *http.Client, log *slog.Logger) ([]*backend.Backend, error) {
	var backends []*backend.Backend

	for _, serverURL := range cfg.URLs() {
		u, err := url.Parse(serverURL)
		if err != nil {
			log.Error("Failed to parse URL",
				slog.String("url", serverURL),
				slog.String("error", err.Error()))
			continue
		}

		backends = append(backends, backend.New(u, client))
	}

	if len(backends) == 0 {
		return nil, errNoBackends
	}

	return backends, nil
}

func startProbers(
	ctx context.Context,
	g *errgroup.Group,
	backends []*backend.Backend,
	cfg *config.Config,
	log *slog.Logger,
	collector *metrics.Collector,
) {
	if cfg.HealthCheck.Interval <= 0 {
		return
	}

	opts := healthcheck.Options{
		Interval:  cfg.HealthCheck.Interval,
		Path:      cfg.HealthCheck.Path,
		Timeout:   cfg.HealthCheck.Timeout,
		UserAgent: cfg.Proxy.UserAgent,
	}
	notify := func(b *backend.Backend, reachable bool) {
		collector.Emit(metrics.MetricEvent{
			Type:    metrics.EventReachabilityChange,
			Backend: b.String(),
			Healthy: reachable,
		})
	}

	for _, b := range backends {
		g.Go(func() error {
			healthcheck.HealthCheck(ctx, b, opts, log, notify)
			return nil
		})
	}
}

func handlerOptions(cfg *config.Config) handler.Options {
	return handler.Options{
		Name:            cfg.Proxy.Name,
		Version:         cfg.Proxy.Version,
		UserAgent:       cfg.Proxy.UserAgent,
		AllowedPaths:    cfg.Proxy.AllowedPaths,
		AllowedMethods:  cfg.Proxy.AllowedMethods,
		HealthPaths:     cfg.Proxy.HealthPaths,
		PreflightStatus: cfg.Proxy.PreflightStatus,
		Timeout:         cfg.Proxy.Timeout,
		MaxBodyBytes:    cfg.Proxy.MaxBodyBytes,
		CORS: cors.Headers{
			AllowOrigin:  cfg.CORS.AllowOrigin,
			AllowMethods: cfg.CORS.AllowMethods,
			AllowHeaders: cfg.CORS.AllowHeaders,
			MaxAge:       cfg.CORS.MaxAge,
		},
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.NewPolicy(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.RetryOn)
}

func platformHeaders(cfg *config.Config) platform.Headers {
	return platform.Headers{
		ConnectingIP: cfg.Platform.ConnectingIPHeader,
		Country:      cfg.Platform.CountryHeader,
		Trace:        cfg.Platform.TraceHeader,
		StripPrefix:  cfg.Platform.StripPrefix,
	}
}
