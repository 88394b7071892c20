package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	// EnableStashLabel controls whether the stash id is attached as a
	// label on per-stash counters. Disable on deployments running many
	// stashes to avoid unbounded label cardinality.
	EnableStashLabel bool
}

// Metrics holds all application metrics for a running stash process.
type Metrics struct {
	config Config

	chunksIngestedTotal   *prometheus.CounterVec
	bytesIngestedTotal    *prometheus.CounterVec
	dedupHitsTotal        *prometheus.CounterVec
	ingestDuration        *prometheus.HistogramVec
	ingestErrorsTotal     *prometheus.CounterVec

	objectsWrittenTotal *prometheus.CounterVec
	objectsSealedBytes  *prometheus.CounterVec

	commitDuration    *prometheus.HistogramVec
	commitErrorsTotal *prometheus.CounterVec
	commitCount       *prometheus.CounterVec

	readerCacheHits   *prometheus.CounterVec
	readerCacheMisses *prometheus.CounterVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableStashLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableStashLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		chunksIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_chunks_ingested_total",
				Help: "Total number of chunks produced by the content-defined chunker",
			},
			[]string{"stash"},
		),
		bytesIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_bytes_ingested_total",
				Help: "Total plaintext bytes split by the chunker",
			},
			[]string{"stash"},
		),
		dedupHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_chunk_dedup_hits_total",
				Help: "Total number of chunks whose digest already existed in the chunk index",
			},
			[]string{"stash"},
		),
		ingestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zerostash_ingest_duration_seconds",
				Help:    "Duration of a single file or snapshot ingest",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stash"},
		),
		ingestErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_ingest_errors_total",
				Help: "Total number of failed file or snapshot ingests",
			},
			[]string{"stash"},
		),
		objectsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_objects_written_total",
				Help: "Total number of sealed objects written to the backend",
			},
			[]string{"stash"},
		),
		objectsSealedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_objects_sealed_bytes_total",
				Help: "Total ciphertext bytes written to the backend across sealed objects",
			},
			[]string{"stash"},
		),
		commitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zerostash_commit_duration_seconds",
				Help:    "Duration of the Commit Manager's publish operation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stash"},
		),
		commitErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_commit_errors_total",
				Help: "Total number of failed commits",
			},
			[]string{"stash"},
		),
		commitCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_commits_total",
				Help: "Total number of successful commits",
			},
			[]string{"stash"},
		),
		readerCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_reader_cache_hits_total",
				Help: "Total number of decrypted-object cache hits in the random-access reader",
			},
			[]string{"stash"},
		),
		readerCacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_reader_cache_misses_total",
				Help: "Total number of decrypted-object cache misses in the random-access reader",
			},
			[]string{"stash"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_buffer_pool_hits_total",
				Help: "Total number of buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerostash_buffer_pool_misses_total",
				Help: "Total number of buffer pool misses",
			},
			[]string{"size_class"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zerostash_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zerostash_memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zerostash_memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zerostash_hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) stashLabel(stashID string) string {
	if !m.config.EnableStashLabel {
		return "*"
	}
	return stashID
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// CommitsTotal returns the successful-commits counter (for testing/inspection).
func (m *Metrics) CommitsTotal() *prometheus.CounterVec {
	return m.commitCount
}

// RecordChunk records one chunk produced by the splitter, distinguishing a
// fresh write from a deduplicated hit against the chunk index.
func (m *Metrics) RecordChunk(ctx context.Context, stashID string, bytes int, dedup bool) {
	label := m.stashLabel(stashID)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunksIngestedTotal.WithLabelValues(label).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunksIngestedTotal.WithLabelValues(label).Inc()
		}
	} else {
		m.chunksIngestedTotal.WithLabelValues(label).Inc()
	}

	m.bytesIngestedTotal.WithLabelValues(label).Add(float64(bytes))
	if dedup {
		m.dedupHitsTotal.WithLabelValues(label).Inc()
	}
}

// RecordIngest records the outcome of one IngestFile/IngestSnapshot call.
func (m *Metrics) RecordIngest(ctx context.Context, stashID string, duration time.Duration, err error) {
	label := m.stashLabel(stashID)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := m.ingestDuration.WithLabelValues(label).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.ingestDuration.WithLabelValues(label).Observe(duration.Seconds())
		}
	} else {
		m.ingestDuration.WithLabelValues(label).Observe(duration.Seconds())
	}

	if err != nil {
		m.ingestErrorsTotal.WithLabelValues(label).Inc()
	}
}

// RecordObjectSealed records one object the writer pool sealed and handed
// to the backend.
func (m *Metrics) RecordObjectSealed(stashID string, ciphertextBytes int) {
	label := m.stashLabel(stashID)
	m.objectsWrittenTotal.WithLabelValues(label).Inc()
	m.objectsSealedBytes.WithLabelValues(label).Add(float64(ciphertextBytes))
}

// RecordCommit records the outcome of one Commit Manager publish.
func (m *Metrics) RecordCommit(ctx context.Context, stashID string, duration time.Duration, err error) {
	label := m.stashLabel(stashID)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := m.commitDuration.WithLabelValues(label).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.commitDuration.WithLabelValues(label).Observe(duration.Seconds())
		}
	} else {
		m.commitDuration.WithLabelValues(label).Observe(duration.Seconds())
	}

	if err != nil {
		m.commitErrorsTotal.WithLabelValues(label).Inc()
		return
	}
	m.commitCount.WithLabelValues(label).Inc()
}

// RecordReaderCacheHit records a decrypted-object cache hit in the reader.
func (m *Metrics) RecordReaderCacheHit(stashID string) {
	m.readerCacheHits.WithLabelValues(m.stashLabel(stashID)).Inc()
}

// RecordReaderCacheMiss records a decrypted-object cache miss in the reader.
func (m *Metrics) RecordReaderCacheMiss(stashID string) {
	m.readerCacheMisses.WithLabelValues(m.stashLabel(stashID)).Inc()
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
