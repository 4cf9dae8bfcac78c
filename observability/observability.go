package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wylloh/config"
	"wylloh/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const defaultMetricsPath = "/metrics"

// Provider owns the process trace and metric pipelines. Metrics are exposed
// in Prometheus format, either on a dedicated listener or through
// MetricsHandler when no metrics address is configured.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsHandler http.Handler
	metricsPath    string
	metricsServer  *http.Server
}

// Init installs the global tracer and meter providers for serviceName.
// Exporter failures are reported but leave the rest of the provider usable.
func Init(ctx context.Context, cfg *config.Config, logger *logging.Logger, serviceName, serviceVersion string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.DeploymentEnvironmentName(cfg.Service.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	provider := &Provider{}
	var errs []error

	if cfg.Observability.Tracing.Enabled {
		tp, err := initTracerProvider(ctx, cfg.Observability.Tracing, res, logger)
		switch {
		case err != nil:
			logger.Warn("Failed to initialize tracing exporter: %v", err)
			errs = append(errs, err)
		case tp != nil:
			provider.tracerProvider = tp
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			logger.Startup("Tracing exporter initialized (provider=%s, endpoint=%s)",
				cfg.Observability.Tracing.Provider, cfg.Observability.Tracing.Endpoint)
		}
	} else {
		logger.Startup("Tracing disabled for %s", serviceName)
	}

	if cfg.Observability.Metrics.Enabled {
		if err := provider.initMetrics(cfg.Observability.Metrics, res, logger); err != nil {
			logger.Warn("Failed to initialize metrics exporter: %v", err)
			errs = append(errs, err)
		} else {
			otel.SetMeterProvider(provider.meterProvider)
			if provider.metricsServer != nil {
				logger.Startup("Metrics exporter listening on %s%s", cfg.Observability.Metrics.Address, provider.metricsPath)
			} else {
				logger.Startup("Metrics exporter mounted at %s on the API listener", provider.metricsPath)
			}
		}
	} else {
		logger.Startup("Metrics disabled for %s", serviceName)
	}

	if len(errs) > 0 {
		return provider, errors.Join(errs...)
	}
	return provider, nil
}

// MetricsHandler returns the Prometheus scrape handler and its path when
// metrics are enabled without a dedicated listener.
func (p *Provider) MetricsHandler() (string, http.Handler, bool) {
	if p == nil || p.metricsHandler == nil || p.metricsServer != nil {
		return "", nil, false
	}
	return p.metricsPath, p.metricsHandler, true
}

// Shutdown drains exporters and stops the metrics listener.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error

	if p.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

func initTracerProvider(ctx context.Context, cfg config.TracingConfig, res *resource.Resource, logger *logging.Logger) (*sdktrace.TracerProvider, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "otlp"
	}

	switch provider {
	case "otlp", "otlpgrpc", "otlp-grpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "otel-collector:4317"
		}

		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter init: %w", err)
		}

		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	default:
		logger.Warn("Tracing provider %s not supported, disabling tracing", provider)
		return nil, nil
	}
}

func (p *Provider) initMetrics(cfg config.MetricsConfig, res *resource.Resource, logger *logging.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("prometheus exporter init: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	p.metricsPath = cfg.Path
	if p.metricsPath == "" {
		p.metricsPath = defaultMetricsPath
	}
	if !strings.HasPrefix(p.metricsPath, "/") {
		p.metricsPath = "/" + p.metricsPath
	}
	p.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	if cfg.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(p.metricsPath, p.metricsHandler)
	p.metricsServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := p.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server exited: %v", err)
		}
	}()
	return nil
}
