package metrics

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// errorCodes are the envelope codes tracked with a label
var errorCodes = []string{
	"INPUT_ERROR",
	"CONFIGURATION_ERROR",
	"API_ERROR",
	"QUERY_ERROR",
	"CLIENT_ERROR",
	"AIRTABLE_IMPORT_ERROR",
}

// latencyBounds are histogram upper bounds in microseconds
var latencyBounds = [...]int64{10_000, 50_000, 100_000, 250_000, 500_000, 1_000_000, 2_500_000, 5_000_000, 10_000_000}

// Metrics holds process-wide counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics (serve mode)
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64

	// Buckets follow latencyBounds, the last one is +Inf
	httpLatencyBuckets [len(latencyBounds) + 1]atomic.Int64
	httpLatencySum     atomic.Int64
	httpLatencyCount   atomic.Int64

	// Lookup metrics
	lookupRequestsTotal atomic.Int64
	lookupMatchesTotal  atomic.Int64
	lookupPhoneVariant  atomic.Int64

	// Sync metrics
	syncRequestsTotal atomic.Int64
	syncRecordsTotal  atomic.Int64

	// Remote API metrics
	remoteRequestsTotal atomic.Int64
	remoteErrorsTotal   atomic.Int64
	remoteRecordsTotal  atomic.Int64

	// Linked-record expansion
	linkedResolutionsTotal atomic.Int64
	linkedFailuresTotal    atomic.Int64
	linkedRecordsTotal     atomic.Int64

	// Envelope errors keyed by code; the map is fixed after construction
	errorsByCode map[string]*atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		startTime:    time.Now(),
		errorsByCode: make(map[string]*atomic.Int64, len(errorCodes)),
	}
	for _, code := range errorCodes {
		m.errorsByCode[code] = new(atomic.Int64)
	}
	return m
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Lookup Metrics
func (m *Metrics) IncLookupRequests()           { m.lookupRequestsTotal.Add(1) }
func (m *Metrics) IncLookupMatches(count int64) { m.lookupMatchesTotal.Add(count) }
func (m *Metrics) IncLookupPhoneVariant()       { m.lookupPhoneVariant.Add(1) }

// Sync Metrics
func (m *Metrics) IncSyncRequests()           { m.syncRequestsTotal.Add(1) }
func (m *Metrics) IncSyncRecords(count int64) { m.syncRecordsTotal.Add(count) }

// Remote API Metrics
func (m *Metrics) IncRemoteRequests()           { m.remoteRequestsTotal.Add(1) }
func (m *Metrics) IncRemoteErrors()             { m.remoteErrorsTotal.Add(1) }
func (m *Metrics) IncRemoteRecords(count int64) { m.remoteRecordsTotal.Add(count) }

// Linked-record Metrics
func (m *Metrics) IncLinkedResolutions()        { m.linkedResolutionsTotal.Add(1) }
func (m *Metrics) IncLinkedFailures()           { m.linkedFailuresTotal.Add(1) }
func (m *Metrics) IncLinkedRecords(count int64) { m.linkedRecordsTotal.Add(count) }

// IncErrorCode counts an error envelope. Unknown codes are ignored.
func (m *Metrics) IncErrorCode(code string) {
	if c, ok := m.errorsByCode[code]; ok {
		c.Add(1)
	}
}

// Snapshot returns all metrics as a map for the JSON endpoint
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	errorsByCode := make(map[string]int64, len(m.errorsByCode))
	for code, c := range m.errorsByCode {
		errorsByCode[code] = c.Load()
	}

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_sys_bytes":        memStats.Sys,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		// HTTP
		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_avg_ms":   avgMillis(m.httpLatencySum.Load(), m.httpLatencyCount.Load()),

		// Lookup
		"lookup_requests_total":      m.lookupRequestsTotal.Load(),
		"lookup_matches_total":       m.lookupMatchesTotal.Load(),
		"lookup_phone_variant_total": m.lookupPhoneVariant.Load(),

		// Sync
		"sync_requests_total": m.syncRequestsTotal.Load(),
		"sync_records_total":  m.syncRecordsTotal.Load(),

		// Remote
		"remote_requests_total": m.remoteRequestsTotal.Load(),
		"remote_errors_total":   m.remoteErrorsTotal.Load(),
		"remote_records_total":  m.remoteRecordsTotal.Load(),

		// Linked records
		"linked_resolutions_total": m.linkedResolutionsTotal.Load(),
		"linked_failures_total":    m.linkedFailuresTotal.Load(),
		"linked_records_total":     m.linkedRecordsTotal.Load(),

		"errors_by_code": errorsByCode,
	}
}

func avgMillis(sumMicros, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(sumMicros) / float64(count) / 1000
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendHeader(b, "airlookup_uptime_seconds", "Time since the process started", "gauge")
	b = appendMetric(b, "airlookup_uptime_seconds", time.Since(m.startTime).Seconds())

	b = appendHeader(b, "airlookup_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "airlookup_goroutines", float64(runtime.NumGoroutine()))

	b = appendHeader(b, "airlookup_memory_heap_alloc_bytes", "Heap memory allocated", "gauge")
	b = appendMetric(b, "airlookup_memory_heap_alloc_bytes", float64(memStats.HeapAlloc))

	// HTTP
	b = appendHeader(b, "airlookup_http_requests_total", "Total HTTP requests", "counter")
	b = appendMetric(b, "airlookup_http_requests_total", float64(m.httpRequestsTotal.Load()))

	b = appendHeader(b, "airlookup_http_requests_errors_total", "HTTP requests answered with an error envelope", "counter")
	b = appendMetric(b, "airlookup_http_requests_errors_total", float64(m.httpRequestsError.Load()))

	b = appendHeader(b, "airlookup_http_request_duration_seconds", "HTTP request latency", "histogram")
	var cumulative int64
	for i, bound := range latencyBounds {
		cumulative += m.httpLatencyBuckets[i].Load()
		le := strconv.FormatFloat(float64(bound)/1e6, 'f', -1, 64)
		b = appendMetricWithLabel(b, "airlookup_http_request_duration_seconds_bucket", "le", le, float64(cumulative))
	}
	cumulative += m.httpLatencyBuckets[len(latencyBounds)].Load()
	b = appendMetricWithLabel(b, "airlookup_http_request_duration_seconds_bucket", "le", "+Inf", float64(cumulative))
	b = appendMetric(b, "airlookup_http_request_duration_seconds_sum", float64(m.httpLatencySum.Load())/1e6)
	b = appendMetric(b, "airlookup_http_request_duration_seconds_count", float64(m.httpLatencyCount.Load()))

	// Lookup and sync
	b = appendHeader(b, "airlookup_lookup_requests_total", "Point lookups handled", "counter")
	b = appendMetric(b, "airlookup_lookup_requests_total", float64(m.lookupRequestsTotal.Load()))

	b = appendHeader(b, "airlookup_lookup_matches_total", "Records returned by point lookups", "counter")
	b = appendMetric(b, "airlookup_lookup_matches_total", float64(m.lookupMatchesTotal.Load()))

	b = appendHeader(b, "airlookup_lookup_phone_variant_total", "Lookups answered by the alternate phone form", "counter")
	b = appendMetric(b, "airlookup_lookup_phone_variant_total", float64(m.lookupPhoneVariant.Load()))

	b = appendHeader(b, "airlookup_sync_requests_total", "Bulk syncs handled", "counter")
	b = appendMetric(b, "airlookup_sync_requests_total", float64(m.syncRequestsTotal.Load()))

	b = appendHeader(b, "airlookup_sync_records_total", "Records returned by bulk syncs", "counter")
	b = appendMetric(b, "airlookup_sync_records_total", float64(m.syncRecordsTotal.Load()))

	// Remote
	b = appendHeader(b, "airlookup_remote_requests_total", "Page requests sent to Airtable", "counter")
	b = appendMetric(b, "airlookup_remote_requests_total", float64(m.remoteRequestsTotal.Load()))

	b = appendHeader(b, "airlookup_remote_errors_total", "Failed Airtable fetches", "counter")
	b = appendMetric(b, "airlookup_remote_errors_total", float64(m.remoteErrorsTotal.Load()))

	b = appendHeader(b, "airlookup_remote_records_total", "Records read from Airtable", "counter")
	b = appendMetric(b, "airlookup_remote_records_total", float64(m.remoteRecordsTotal.Load()))

	// Linked records
	b = appendHeader(b, "airlookup_linked_resolutions_total", "Linked-record resolutions attempted", "counter")
	b = appendMetric(b, "airlookup_linked_resolutions_total", float64(m.linkedResolutionsTotal.Load()))

	b = appendHeader(b, "airlookup_linked_failures_total", "Linked-record resolutions that failed and yielded nothing", "counter")
	b = appendMetric(b, "airlookup_linked_failures_total", float64(m.linkedFailuresTotal.Load()))

	// Errors by code, stable order
	codes := make([]string, 0, len(m.errorsByCode))
	for code := range m.errorsByCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	b = appendHeader(b, "airlookup_errors_total", "Error envelopes by code", "counter")
	for _, code := range codes {
		b = appendMetricWithLabel(b, "airlookup_errors_total", "code", code, float64(m.errorsByCode[code].Load()))
	}

	return string(b)
}

// Helper functions for Prometheus format
func appendHeader(b []byte, name, help, kind string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}
