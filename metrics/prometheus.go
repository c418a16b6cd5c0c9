package metrics

import (
	"time"

	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusReporter exports update reports as Prometheus collectors. A nil
// *PrometheusReporter discards reports.
type PrometheusReporter struct {
	TimeToRebootMinutes prometheus.Histogram
	AttemptTotal        *prometheus.CounterVec
	AttemptDuration     prometheus.Histogram
	AttemptNumber       prometheus.Gauge
	DownloadErrorTotal  *prometheus.CounterVec
	SuccessfulTotal     prometheus.Counter
	SuccessAttemptCount prometheus.Histogram
	SuccessRebootCount  prometheus.Histogram
}

var _ Reporter = (*PrometheusReporter)(nil)

func (m *PrometheusReporter) ReportTimeToReboot(minutes int64) {
	if m == nil || m.TimeToRebootMinutes == nil {
		return
	}
	m.TimeToRebootMinutes.Observe(float64(minutes))
}

func (m *PrometheusReporter) ReportUpdateAttempt(attemptNumber int64, duration time.Duration, result AttemptResult, code errorcode.Code) {
	if m == nil {
		return
	}
	if m.AttemptTotal != nil {
		m.AttemptTotal.WithLabelValues(result.String(), code.Base().String()).Inc()
	}
	if m.AttemptDuration != nil {
		m.AttemptDuration.Observe(duration.Seconds())
	}
	if m.AttemptNumber != nil {
		m.AttemptNumber.Set(float64(attemptNumber))
	}
}

func (m *PrometheusReporter) ReportDownloadError(code DownloadErrorCode) {
	if m == nil || m.DownloadErrorTotal == nil {
		return
	}
	m.DownloadErrorTotal.WithLabelValues(code.String()).Inc()
}

func (m *PrometheusReporter) ReportSuccessfulUpdate(attemptCount int64, rebootCount int64) {
	if m == nil {
		return
	}
	if m.SuccessfulTotal != nil {
		m.SuccessfulTotal.Inc()
	}
	if m.SuccessAttemptCount != nil {
		m.SuccessAttemptCount.Observe(float64(attemptCount))
	}
	if m.SuccessRebootCount != nil {
		m.SuccessRebootCount.Observe(float64(rebootCount))
	}
}

// Collectors lists every non-nil collector for registration.
func (m *PrometheusReporter) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	var out []prometheus.Collector
	for _, c := range []prometheus.Collector{
		m.TimeToRebootMinutes, m.AttemptTotal, m.AttemptDuration, m.AttemptNumber,
		m.DownloadErrorTotal, m.SuccessfulTotal, m.SuccessAttemptCount, m.SuccessRebootCount,
	} {
		if !isNilCollector(c) {
			out = append(out, c)
		}
	}
	return out
}

func DefaultPrometheusReporter(constLabels prometheus.Labels) *PrometheusReporter {
	return &PrometheusReporter{
		TimeToRebootMinutes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "time_to_reboot_minutes",
			Help:        "Minutes between finishing an update and rebooting into it.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			ConstLabels: constLabels,
		}),
		AttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "attempt_total",
			Help:        "Update attempts by outcome bucket and error code.",
			ConstLabels: constLabels,
		}, []string{"result", "code"}),
		AttemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "attempt_duration_seconds",
			Help:        "Wall-clock duration of update attempts.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
			ConstLabels: constLabels,
		}),
		AttemptNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "payload_attempt_number",
			Help:        "Attempt number of the most recently reported attempt.",
			ConstLabels: constLabels,
		}),
		DownloadErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "download_error_total",
			Help:        "Failed payload downloads by download error code.",
			ConstLabels: constLabels,
		}, []string{"code"}),
		SuccessfulTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "successful_total",
			Help:        "Updates that completed and booted.",
			ConstLabels: constLabels,
		}),
		SuccessAttemptCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "successful_attempt_count",
			Help:        "Payload attempts needed by successful updates.",
			Buckets:     prometheus.LinearBuckets(1, 1, 10),
			ConstLabels: constLabels,
		}),
		SuccessRebootCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "otaengine",
			Subsystem:   "update",
			Name:        "successful_reboot_count",
			Help:        "Reboots during successful updates.",
			Buckets:     prometheus.LinearBuckets(0, 1, 10),
			ConstLabels: constLabels,
		}),
	}
}

// EngineMetrics instruments the partition orchestrator. A nil *EngineMetrics
// records nothing.
type EngineMetrics struct {
	PrepareTotal     prometheus.Counter
	PrepareErrors    prometheus.Counter
	PrepareLatency   prometheus.Histogram
	CowBytesWritten  prometheus.Counter
	CowFlushTotal    prometheus.Counter
	MergeChunksTotal prometheus.Counter
	MergeBytesTotal  prometheus.Counter
	MergeProgress    prometheus.Gauge
	MergeErrors      *prometheus.CounterVec
	ResetTotal       prometheus.Counter
	MappedPartitions prometheus.Gauge
}

func (m *EngineMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *EngineMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *EngineMetrics) setGauge(gauge prometheus.Gauge, value float64) {
	if m == nil || gauge == nil {
		return
	}
	gauge.Set(value)
}

func (m *EngineMetrics) ObservePrepare(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.PrepareTotal)
	if m.PrepareLatency != nil {
		m.PrepareLatency.Observe(d.Seconds())
	}
	if err != nil {
		m.incCounter(m.PrepareErrors)
	}
}

func (m *EngineMetrics) ObserveCowWrite(sizeBytes int) {
	if m == nil || sizeBytes <= 0 {
		return
	}
	m.addCounter(m.CowBytesWritten, float64(sizeBytes))
}

func (m *EngineMetrics) ObserveCowFlush() {
	if m == nil {
		return
	}
	m.incCounter(m.CowFlushTotal)
}

func (m *EngineMetrics) ObserveMergeChunk(sizeBytes int64, progress float64) {
	if m == nil {
		return
	}
	m.incCounter(m.MergeChunksTotal)
	if sizeBytes > 0 {
		m.addCounter(m.MergeBytesTotal, float64(sizeBytes))
	}
	m.setGauge(m.MergeProgress, progress)
}

func (m *EngineMetrics) ObserveMergeError(code errorcode.Code) {
	if m == nil || m.MergeErrors == nil {
		return
	}
	m.MergeErrors.WithLabelValues(code.String()).Inc()
}

func (m *EngineMetrics) ObserveReset() {
	if m == nil {
		return
	}
	m.incCounter(m.ResetTotal)
}

func (m *EngineMetrics) SetMappedPartitions(n int) {
	if m == nil {
		return
	}
	m.setGauge(m.MappedPartitions, float64(n))
}

// Collectors lists every non-nil collector for registration.
func (m *EngineMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	var out []prometheus.Collector
	for _, c := range []prometheus.Collector{
		m.PrepareTotal, m.PrepareErrors, m.PrepareLatency, m.CowBytesWritten, m.CowFlushTotal,
		m.MergeChunksTotal, m.MergeBytesTotal, m.MergeProgress, m.MergeErrors, m.ResetTotal,
		m.MappedPartitions,
	} {
		if !isNilCollector(c) {
			out = append(out, c)
		}
	}
	return out
}

func DefaultEngineMetrics(constLabels prometheus.Labels) *EngineMetrics {
	return &EngineMetrics{
		PrepareTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "partitions",
			Name:        "prepare_total",
			Help:        "Calls to prepare partitions for an update.",
			ConstLabels: constLabels,
		}),
		PrepareErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "partitions",
			Name:        "prepare_errors",
			Help:        "Failed partition preparations.",
			ConstLabels: constLabels,
		}),
		PrepareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "otaengine",
			Subsystem:   "partitions",
			Name:        "prepare_latency_seconds",
			Help:        "Histogram of partition preparation latency in seconds.",
			ConstLabels: constLabels,
		}),
		CowBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "cow",
			Name:        "bytes_written_total",
			Help:        "Bytes written through COW device adapters.",
			ConstLabels: constLabels,
		}),
		CowFlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "cow",
			Name:        "flush_total",
			Help:        "COW writer finalizations.",
			ConstLabels: constLabels,
		}),
		MergeChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "merge",
			Name:        "chunks_total",
			Help:        "Merge chunks applied and checkpointed.",
			ConstLabels: constLabels,
		}),
		MergeBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "merge",
			Name:        "bytes_total",
			Help:        "Bytes written to base partitions by merges.",
			ConstLabels: constLabels,
		}),
		MergeProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "otaengine",
			Subsystem:   "merge",
			Name:        "progress_ratio",
			Help:        "Progress of the running merge in [0, 1].",
			ConstLabels: constLabels,
		}),
		MergeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "merge",
			Name:        "errors_total",
			Help:        "Merge runs that ended in an error, by code.",
			ConstLabels: constLabels,
		}, []string{"code"}),
		ResetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "otaengine",
			Subsystem:   "partitions",
			Name:        "reset_total",
			Help:        "Update attempts abandoned with a reset.",
			ConstLabels: constLabels,
		}),
		MappedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "otaengine",
			Subsystem:   "partitions",
			Name:        "mapped",
			Help:        "Partitions currently mapped.",
			ConstLabels: constLabels,
		}),
	}
}

func isNilCollector(c prometheus.Collector) bool {
	switch v := c.(type) {
	case nil:
		return true
	case *prometheus.CounterVec:
		return v == nil
	}
	return false
}
