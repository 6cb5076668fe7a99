package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes pipeline state as Prometheus metrics.
type Collector struct {
	p *Pipeline

	accepted   *prometheus.Desc
	rejected   *prometheus.Desc
	dropped    *prometheus.Desc
	bufferSize *prometheus.Desc
	queueSize  *prometheus.Desc
	jobRuns    *prometheus.Desc
	jobErrors  *prometheus.Desc
}

// NewCollector creates a collector over the pipeline.
func NewCollector(p *Pipeline) *Collector {
	return &Collector{
		p: p,
		accepted: prometheus.NewDesc("tinypipe_readings_accepted_total",
			"Readings accepted from the feed.", nil, nil),
		rejected: prometheus.NewDesc("tinypipe_readings_rejected_total",
			"Readings rejected as malformed or out of range.", nil, nil),
		dropped: prometheus.NewDesc("tinypipe_readings_dropped_total",
			"Readings dropped from a full save queue.", nil, nil),
		bufferSize: prometheus.NewDesc("tinypipe_minute_buffer_size",
			"Values buffered for the current minute.", nil, nil),
		queueSize: prometheus.NewDesc("tinypipe_save_queue_size",
			"Readings queued for bulk persistence.", nil, nil),
		jobRuns: prometheus.NewDesc("tinypipe_job_runs_total",
			"Successful runs per scheduled job (flushes, exports, cleanups).", []string{"job"}, nil),
		jobErrors: prometheus.NewDesc("tinypipe_job_consecutive_errors",
			"Consecutive failures per scheduled job.", []string{"job"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.accepted
	ch <- c.rejected
	ch <- c.dropped
	ch <- c.bufferSize
	ch <- c.queueSize
	ch <- c.jobRuns
	ch <- c.jobErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	accepted, rejected, dropped := c.p.adapter.Stats()
	ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(accepted))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(rejected))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(dropped))
	ch <- prometheus.MustNewConstMetric(c.bufferSize, prometheus.GaugeValue, float64(c.p.reducer.BufferSize()))
	ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(c.p.adapter.QueueLen()))

	for name, m := range c.p.monitors {
		ch <- prometheus.MustNewConstMetric(c.jobRuns, prometheus.CounterValue,
			float64(m.Runs()), name)
		ch <- prometheus.MustNewConstMetric(c.jobErrors, prometheus.GaugeValue,
			float64(m.Status().ConsecutiveErrors), name)
	}
}
