// Package telemetry initialises the OpenTelemetry metrics pipeline
// and exposes the instruments the storage engine records into.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/dedup-store"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	storeOpsTotal    metric.Int64Counter
	storeOpDuration  metric.Float64Histogram
	storeBytesTotal  metric.Int64Counter
	chunkWritesTotal metric.Int64Counter
	chunkWriteSize   metric.Float64Histogram

	compactionRunsTotal      metric.Int64Counter
	compactionDuration       metric.Float64Histogram
	compactionReclaimedTotal metric.Int64Counter

	indexLiveChunks  metric.Int64Gauge
	indexStoredBytes metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application
// exit. Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dedup-store"
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

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still
	// collect metrics.
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

	storeOpsTotal, err := meter.Int64Counter(
		"dedup_store_ops_total",
		metric.WithDescription("Total number of store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	storeOpDuration, err := meter.Float64Histogram(
		"dedup_store_op_duration_seconds",
		metric.WithDescription("Store operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"dedup_store_bytes_total",
		metric.WithDescription("Total payload bytes transferred in store operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	chunkWritesTotal, err := meter.Int64Counter(
		"dedup_store_chunk_writes_total",
		metric.WithDescription("Total chunk writes, split by dedup result"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return err
	}

	chunkWriteSize, err := meter.Float64Histogram(
		"dedup_store_chunk_write_size_bytes",
		metric.WithDescription("Plaintext size of written chunks"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(4096, 16384, 65536, 262144, 524288, 1048576, 2097152, 4194304),
	)
	if err != nil {
		return err
	}

	compactionRunsTotal, err := meter.Int64Counter(
		"dedup_store_compaction_runs_total",
		metric.WithDescription("Total compaction runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	compactionDuration, err := meter.Float64Histogram(
		"dedup_store_compaction_duration_seconds",
		metric.WithDescription("Duration of compaction runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	compactionReclaimedTotal, err := meter.Int64Counter(
		"dedup_store_compaction_reclaimed_bytes_total",
		metric.WithDescription("Total log bytes reclaimed by compaction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	indexLiveChunks, err := meter.Int64Gauge(
		"dedup_store_index_live_chunks",
		metric.WithDescription("Number of live chunks in the index"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return err
	}

	indexStoredBytes, err := meter.Int64Gauge(
		"dedup_store_index_stored_bytes",
		metric.WithDescription("Total stored bytes of live chunks"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		storeOpsTotal:            storeOpsTotal,
		storeOpDuration:          storeOpDuration,
		storeBytesTotal:          storeBytesTotal,
		chunkWritesTotal:         chunkWritesTotal,
		chunkWriteSize:           chunkWriteSize,
		compactionRunsTotal:      compactionRunsTotal,
		compactionDuration:       compactionDuration,
		compactionReclaimedTotal: compactionReclaimedTotal,
		indexLiveChunks:          indexLiveChunks,
		indexStoredBytes:         indexStoredBytes,
		meterProvider:            mp,
		promHandler:              promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the
// global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordStoreOp records one store operation.
func RecordStoreOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordChunkWrite records a chunk write with its dedup result.
func RecordChunkWrite(ctx context.Context, size int64, deduped bool) {
	if globalMetrics == nil {
		return
	}

	result := "new"
	if deduped {
		result = "deduped"
	}
	attrs := []attribute.KeyValue{attribute.String("result", result)}
	globalMetrics.chunkWritesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.chunkWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordCompaction records one compaction run.
func RecordCompaction(ctx context.Context, duration time.Duration, reclaimed int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.compactionRunsTotal.Add(ctx, 1)
	globalMetrics.compactionDuration.Record(ctx, duration.Seconds())
	if reclaimed > 0 {
		globalMetrics.compactionReclaimedTotal.Add(ctx, reclaimed)
	}
}

// RecordIndexStats records the current index gauges. Call after
// commits and compactions.
func RecordIndexStats(ctx context.Context, liveChunks, storedBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.indexLiveChunks.Record(ctx, liveChunks)
	globalMetrics.indexStoredBytes.Record(ctx, storedBytes)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not
// enabled, allowing safe registration regardless of initialization
// order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are
// configured.
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
