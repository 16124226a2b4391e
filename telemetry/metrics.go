// Package telemetry provides OpenTelemetry metrics for the publish caches.
// Instruments are recorded through package-level helpers that no-op until
// InitMetrics has run, so library code can record unconditionally.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/publish-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus exporter and handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal      metric.Int64Counter
	storeOpsTotal     metric.Int64Counter
	sweepDeletedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram
	transitionsTotal  metric.Int64Counter
	storageUsageBytes metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "publish-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	lookupsTotal, err := meter.Int64Counter(
		"publish_cache_lookups_total",
		metric.WithDescription("Total cache lookups by cache and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	storeOpsTotal, err := meter.Int64Counter(
		"publish_cache_store_ops_total",
		metric.WithDescription("Total store writes and deletes by cache, op and outcome"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"publish_cache_sweep_deleted_total",
		metric.WithDescription("Total entries deleted by eviction sweeps"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"publish_cache_sweep_duration_seconds",
		metric.WithDescription("Eviction sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	transitionsTotal, err := meter.Int64Counter(
		"publish_cache_session_transitions_total",
		metric.WithDescription("Total upload session status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	storageUsageBytes, err := meter.Int64Gauge(
		"publish_cache_storage_usage_bytes",
		metric.WithDescription("On-disk size of each cache database"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:      lookupsTotal,
		storeOpsTotal:     storeOpsTotal,
		sweepDeletedTotal: sweepDeletedTotal,
		sweepDuration:     sweepDuration,
		transitionsTotal:  transitionsTotal,
		storageUsageBytes: storageUsageBytes,
		meterProvider:     mp,
		promHandler:       promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil when the
// Prometheus exporter is disabled or metrics are uninitialized.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordLookup records a cache lookup outcome.
func RecordLookup(ctx context.Context, cache string, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordStoreOp records a store write or delete outcome.
// op is "put", "delete" or "clear".
func RecordStoreOp(ctx context.Context, cache, op string, ok bool) {
	if globalMetrics == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordSweep records one eviction sweep's deleted count and duration.
// Called unconditionally per sweep.
func RecordSweep(ctx context.Context, cache string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSessionTransition records an upload session status change.
func RecordSessionTransition(ctx context.Context, status string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordStorageUsage records the on-disk size of a cache database.
func RecordStorageUsage(ctx context.Context, cache string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storageUsageBytes.Record(ctx, bytes, metric.WithAttributes(
		attribute.String("cache", cache),
	))
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
