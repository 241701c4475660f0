package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks pipeline metrics and registers them with Prometheus.
// Exposed through GET /metrics.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	stagesSkipped prometheus.Counter
	jobDuration   prometheus.Histogram
	jobsInFlight  prometheus.Gauge
}

// NewCollector creates and registers the metric set
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_submitted_total",
			Help: "Total number of pipeline jobs submitted",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_succeeded_total",
			Help: "Total number of pipeline jobs that succeeded",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of pipeline jobs that failed",
		}),
		stagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_stages_skipped_total",
			Help: "Total number of stage runs recorded as skipped",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Full pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_jobs_in_flight",
			Help: "Current number of pipeline jobs being executed",
		}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsSucceeded)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.stagesSkipped)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.jobsInFlight)

	return c
}

// RecordSubmitted counts an accepted process request
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
	c.jobsInFlight.Inc()
}

// RecordSucceeded counts a successful pipeline run
func (c *Collector) RecordSucceeded(seconds float64) {
	c.jobsSucceeded.Inc()
	c.jobDuration.Observe(seconds)
	c.jobsInFlight.Dec()
}

// RecordFailed counts a failed pipeline run
func (c *Collector) RecordFailed(seconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(seconds)
	c.jobsInFlight.Dec()
}

// RecordStageSkipped counts a stage run recorded as skipped
func (c *Collector) RecordStageSkipped() {
	c.stagesSkipped.Inc()
}
