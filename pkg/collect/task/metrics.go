package task

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the per-task discovery metrics.
type metrics struct {
	reg prometheus.Registerer

	scannedFiles   prometheus.Counter
	watchedFiles   prometheus.Counter
	submitted      prometheus.Counter
	overflowEvents prometheus.Counter
	watchRebuilds  prometheus.Counter
	queueFull      prometheus.Counter
	eventMapSize   prometheus.Gauge
	watchedDirs    prometheus.Gauge
	failedPatterns prometheus.Gauge
}

// newMetrics creates the metric set. If reg is non-nil the metrics are
// registered.
func newMetrics(reg prometheus.Registerer, taskID string) *metrics {
	labels := prometheus.Labels{"task_id": taskID}
	var m metrics
	m.reg = reg

	m.scannedFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collect_task_scanned_files_total",
		Help:        "Number of files discovered by the periodic scanner.",
		ConstLabels: labels,
	})
	m.watchedFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collect_task_watched_files_total",
		Help:        "Number of files discovered through filesystem events.",
		ConstLabels: labels,
	})
	m.submitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collect_task_submitted_instances_total",
		Help:        "Number of instances submitted to the instance manager.",
		ConstLabels: labels,
	})
	m.overflowEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collect_task_overflow_events_total",
		Help:        "Number of filesystem event overflows observed.",
		ConstLabels: labels,
	})
	m.watchRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collect_task_watch_rebuilds_total",
		Help:        "Number of times a watch service was rebuilt.",
		ConstLabels: labels,
	})
	m.queueFull = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collect_task_queue_full_total",
		Help:        "Number of submissions deferred because the instance queue was full.",
		ConstLabels: labels,
	})
	m.eventMapSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "collect_task_event_map_files",
		Help:        "Number of files buffered in the event map.",
		ConstLabels: labels,
	})
	m.watchedDirs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "collect_task_watched_directories",
		Help:        "Number of directories with an active watch registration.",
		ConstLabels: labels,
	})
	m.failedPatterns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "collect_task_watch_failed_patterns",
		Help:        "Number of patterns whose watch registration is failing.",
		ConstLabels: labels,
	})

	if reg != nil {
		reg.MustRegister(
			m.scannedFiles,
			m.watchedFiles,
			m.submitted,
			m.overflowEvents,
			m.watchRebuilds,
			m.queueFull,
			m.eventMapSize,
			m.watchedDirs,
			m.failedPatterns,
		)
	}

	return &m
}
