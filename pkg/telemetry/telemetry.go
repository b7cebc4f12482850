// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
	"querywatch/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	// Traces are not exported yet; an OTLP exporter would be configured
	// here.
	t.tracerProvider = tracenoop.NewTracerProvider()
	otel.SetTracerProvider(t.tracerProvider)

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// RegisterCoreMetrics exports the live counters as observable gauges.
// The callback reads a consistent snapshot on every scrape, so the hot
// path never touches the meter. db may be nil when persistence is
// disabled.
func (t *Telemetry) RegisterCoreMetrics(c *core.Core, db *database.DB) error {
	meter := t.meterProvider.Meter("querywatch")

	queriesTotal, err := meter.Int64ObservableGauge(
		"dns.queries.total",
		metric.WithDescription("DNS queries currently held in the history window"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queries gauge: %w", err)
	}
	queriesBlocked, err := meter.Int64ObservableGauge(
		"dns.queries.blocked",
		metric.WithDescription("Blocked queries in the history window"),
	)
	if err != nil {
		return fmt.Errorf("failed to create blocked gauge: %w", err)
	}
	queriesCached, err := meter.Int64ObservableGauge(
		"dns.queries.cached",
		metric.WithDescription("Cache-answered queries in the history window"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cached gauge: %w", err)
	}
	queriesForwarded, err := meter.Int64ObservableGauge(
		"dns.queries.forwarded",
		metric.WithDescription("Forwarded queries in the history window"),
	)
	if err != nil {
		return fmt.Errorf("failed to create forwarded gauge: %w", err)
	}
	clientsKnown, err := meter.Int64ObservableGauge(
		"clients.known",
		metric.WithDescription("Distinct clients seen"),
	)
	if err != nil {
		return fmt.Errorf("failed to create clients gauge: %w", err)
	}
	domainsKnown, err := meter.Int64ObservableGauge(
		"domains.known",
		metric.WithDescription("Distinct domains seen"),
	)
	if err != nil {
		return fmt.Errorf("failed to create domains gauge: %w", err)
	}
	upstreamsKnown, err := meter.Int64ObservableGauge(
		"upstreams.known",
		metric.WithDescription("Distinct upstream destinations seen"),
	)
	if err != nil {
		return fmt.Errorf("failed to create upstreams gauge: %w", err)
	}
	mirrorRows, err := meter.Int64ObservableGauge(
		"mirror.rows",
		metric.WithDescription("Rows in the in-memory SQL mirror"),
	)
	if err != nil {
		return fmt.Errorf("failed to create mirror gauge: %w", err)
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			snap := c.Snapshot()
			o.ObserveInt64(queriesTotal, int64(snap.Counters.Queries))
			o.ObserveInt64(queriesBlocked, int64(snap.Counters.Blocked))
			o.ObserveInt64(queriesCached, int64(snap.Counters.Cached))
			o.ObserveInt64(queriesForwarded, int64(snap.Counters.Forwarded))
			o.ObserveInt64(clientsKnown, int64(snap.UniqueClients))
			o.ObserveInt64(domainsKnown, int64(snap.UniqueDomains))
			o.ObserveInt64(upstreamsKnown, int64(snap.Upstreams))
			if db != nil {
				if n, err := db.MemCount(ctx); err == nil {
					o.ObserveInt64(mirrorRows, n)
				}
			}
			return nil
		},
		queriesTotal, queriesBlocked, queriesCached, queriesForwarded,
		clientsKnown, domainsKnown, upstreamsKnown, mirrorRows,
	)
	if err != nil {
		return fmt.Errorf("failed to register metrics callback: %w", err)
	}
	return nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
