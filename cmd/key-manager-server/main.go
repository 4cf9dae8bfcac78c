package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wylloh/config"
	"wylloh/logging"
	"wylloh/observability"
	"wylloh/services/api"
	keyManager "wylloh/services/key-manager"
)

var (
	// Command-line flags
	configFile = flag.String("config", "", "Path to configuration file")
	version    = flag.Bool("version", false, "Print version information")
	pprofAddr  = flag.String("pprof-addr", "", "Address to expose pprof (e.g., :6060)")
)

const (
	ServiceName    = "key-manager-server"
	ServiceVersion = "1.0.0"
)

func main() {
	flag.Parse()

	logger := logging.GetLogger()
	startPprofServer(*pprofAddr, logger)

	if *version {
		fmt.Printf("%s version %s\n", ServiceName, ServiceVersion)
		os.Exit(0)
	}

	if err := run(logger); err != nil {
		logger.Error("%s exited: %v", ServiceName, err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Service.Name = ServiceName
	cfg.Service.Version = ServiceVersion
	logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	logger.PrintBuildInfo(ServiceName, ServiceVersion)
	logConfiguration(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Init(ctx, cfg, logger, ServiceName, ServiceVersion)
	if err != nil {
		logger.Warn("Telemetry partially initialized: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown: %v", err)
		}
	}()

	comps, err := keyManager.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build key manager: %w", err)
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("Failed to release key manager resources: %v", err)
		}
	}()

	keyManager.InitializeSeedData(ctx, comps.Manager, cfg.KeyManager)

	if comps.Invalidator != nil {
		go func() {
			if err := comps.Invalidator.Listen(ctx, nil, comps.Manager.ApplyInvalidation); err != nil {
				logger.Error("Cache invalidation listener stopped: %v", err)
			}
		}()
	}

	server, err := api.NewServer(api.Dependencies{
		Manager:    comps.Manager,
		Settlement: comps.Settlement,
		Replicas:   comps.Replicas,
		Version:    ServiceVersion,
	}, cfg.Security)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	if path, handler, ok := telemetry.MetricsHandler(); ok {
		server.Mount(path, handler)
	}
	server.RateLimiter().PrintRateLimitInfo(ServiceName)
	go server.RunLimiterCleanup(ctx, time.Minute, 10*time.Minute)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Startup("Starting %s version %s", ServiceName, ServiceVersion)
		logger.Startup("Environment: %s", cfg.Service.Environment)
		logger.Startup("Key Manager HTTP API listening on %s (auth: %s)", addr, server.Authenticator().Mode())
		var err error
		if cfg.Server.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Startup("Shutting down %s gracefully...", ServiceName)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulStop)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// logConfiguration logs the configuration with sensitive data masked
func logConfiguration(cfg *config.Config, logger *logging.Logger) {
	masked := cfg.MaskSensitive()
	logger.Startup("Configuration loaded successfully")
	logger.Info("Service: %s v%s (%s)", masked.Service.Name, masked.Service.Version, masked.Service.Environment)
	logger.Info("Server: %s:%d (timeouts: read=%v write=%v idle=%v)",
		masked.Server.Host, masked.Server.Port,
		masked.Server.ReadTimeout, masked.Server.WriteTimeout, masked.Server.IdleTimeout)
	logger.Info("Storage replicas: %v", masked.Storage.Replicas)
	logger.Info("Encryption: source=%s, wrap=%s, scope=%s",
		masked.Encryption.MasterSecretSource, masked.Encryption.WrapAlgorithm, masked.WrappingScope())
	logger.Info("Ledger: enabled=%v, primary=%s, secondary=%s",
		masked.Ledger.Enabled, masked.Ledger.PrimaryRPC, masked.Ledger.SecondaryRPC)
	logger.Info("Cache: enabled=%v, key_ttl=%v, grant_ttl=%v, redis=%s",
		masked.Cache.Enabled, masked.Cache.KeyTTL, masked.Cache.GrantTTL, masked.Cache.Redis.Address)
	logger.Info("Logging mode: %s", logging.LoggingMode())

	if cfg.IsDevelopment() {
		logger.Info("Running in DEVELOPMENT mode")
		logger.Info("  - TLS: disabled")
	} else if cfg.IsProduction() {
		logger.Info("Running in PRODUCTION mode")
		logger.Info("  - TLS: %v", cfg.Server.TLS.Enabled)
		logger.Info("  - Metrics: %v", cfg.Observability.Metrics.Enabled)
		logger.Info("  - Tracing: %v", cfg.Observability.Tracing.Enabled)
	}
}

func startPprofServer(addr string, logger *logging.Logger) {
	if addr == "" {
		return
	}
	go func() {
		logger.Startup("pprof server listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server exited: %v", err)
		}
	}()
}
