// Package metrics provides Prometheus metrics for monitoring scrollharvest.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const namespace = "scrollharvest"

var (
	// JobsSubmitted counts admitted jobs by platform.
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs admitted",
		},
		[]string{"platform"},
	)

	// JobsRejected counts jobs refused at submission.
	JobsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of jobs rejected at submission by reason",
		},
		[]string{"platform", "reason"},
	)

	// JobsFinished counts finished jobs by final status and end reason.
	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of finished jobs",
		},
		[]string{"platform", "status", "end_reason"},
	)

	// JobRetries counts retry attempts scheduled after a failed attempt.
	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Total number of job retries scheduled",
		},
		[]string{"platform"},
	)

	// JobDuration tracks wall time from first attempt to finalization.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
		[]string{"platform"},
	)

	// JobsRunning shows jobs currently tracked by the manager.
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Number of jobs currently running or awaiting retry",
		},
		[]string{"platform"},
	)

	// RecordsAccepted counts records persisted.
	RecordsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_accepted_total",
			Help:      "Total number of new records persisted",
		},
		[]string{"platform"},
	)

	// Duplicates counts duplicate records seen, by kind (persisted or job_local).
	Duplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total number of duplicate records skipped",
		},
		[]string{"platform", "kind"},
	)

	// LoopIterations counts extraction loop iterations.
	LoopIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Total number of extraction loop iterations",
		},
		[]string{"platform"},
	)

	// TransientErrors counts recoverable per-iteration errors.
	TransientErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transient_errors_total",
			Help:      "Total number of recoverable extraction errors",
		},
		[]string{"platform"},
	)

	// MemoryUsageBytes shows current heap allocation.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows memory obtained from the OS.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_sys_bytes",
			Help:      "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// SystemMemoryAvailableBytes shows host memory available to new
	// browsers. Chrome processes are not counted in the Go heap.
	SystemMemoryAvailableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_available_bytes",
			Help:      "Host memory available in bytes",
		},
	)

	// SystemMemoryUsedPercent shows host memory utilisation.
	SystemMemoryUsedPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_used_percent",
			Help:      "Host memory used in percent",
		},
	)

	// SystemCPUPercent shows host CPU utilisation since the last sample.
	SystemCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_cpu_percent",
			Help:      "Host CPU usage in percent",
		},
	)

	// HTTPRequests counts API requests by route pattern and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted,
		JobsRejected,
		JobsFinished,
		JobRetries,
		JobDuration,
		JobsRunning,
		RecordsAccepted,
		Duplicates,
		LoopIterations,
		TransientErrors,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		SystemMemoryAvailableBytes,
		SystemMemoryUsedPercent,
		SystemCPUPercent,
		HTTPRequests,
		HTTPRequestDuration,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordJobSubmitted records an admitted job.
func RecordJobSubmitted(platform string) {
	JobsSubmitted.WithLabelValues(platform).Inc()
	JobsRunning.WithLabelValues(platform).Inc()
}

// RecordJobRejected records a job refused at submission.
func RecordJobRejected(platform, reason string) {
	JobsRejected.WithLabelValues(platform, reason).Inc()
}

// RecordJobRetry records a scheduled retry.
func RecordJobRetry(platform string) {
	JobRetries.WithLabelValues(platform).Inc()
}

// RecordJobFinished records a job leaving the manager.
func RecordJobFinished(platform, status, endReason string, duration time.Duration) {
	JobsRunning.WithLabelValues(platform).Dec()
	JobsFinished.WithLabelValues(platform, status, endReason).Inc()
	JobDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordHTTPRequest records one completed API request. route should be the
// router pattern, not the raw path, to keep label cardinality bounded.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// LoopStats are the per-attempt totals of an extraction loop.
type LoopStats struct {
	Accepted            int
	PersistedDuplicates int
	JobLocalDuplicates  int
	Iterations          int
	TransientErrors     int
}

// RecordLoop adds one attempt's loop totals.
func RecordLoop(platform string, s LoopStats) {
	RecordsAccepted.WithLabelValues(platform).Add(float64(s.Accepted))
	Duplicates.WithLabelValues(platform, "persisted").Add(float64(s.PersistedDuplicates))
	Duplicates.WithLabelValues(platform, "job_local").Add(float64(s.JobLocalDuplicates))
	LoopIterations.WithLabelValues(platform).Add(float64(s.Iterations))
	TransientErrors.WithLabelValues(platform).Add(float64(s.TransientErrors))
}

// StartMemoryCollector periodically updates memory and CPU gauges until
// stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updateMemoryMetrics()
	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))

	updateSystemMetrics()
}

func updateSystemMetrics() {
	if vm, err := mem.VirtualMemory(); err != nil {
		log.Debug().Err(err).Msg("Failed to read system memory")
	} else {
		SystemMemoryAvailableBytes.Set(float64(vm.Available))
		SystemMemoryUsedPercent.Set(vm.UsedPercent)
	}

	// Zero interval compares against the previous call, so it never blocks.
	if pct, err := cpu.Percent(0, false); err != nil {
		log.Debug().Err(err).Msg("Failed to read CPU usage")
	} else if len(pct) > 0 {
		SystemCPUPercent.Set(pct[0])
	}
}
