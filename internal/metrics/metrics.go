// Package metrics summarises the jobs in a job store as Prometheus metrics.
//
// Jobs are independent processes with nothing long-lived to scrape, so a
// Collector is filled from the store on demand and written in the text
// exposition format for node_exporter's textfile collector.
package metrics

import (
	"github.com/nixpig/agentjob/internal/jobmanager"
	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}

// Summary is a plain rendering of what a Collector has observed.
type Summary struct {
	Jobs         int                         `json:"jobs"`
	ByStatus     map[jobmanager.JobState]int `json:"byStatus"`
	RateLimited  int                         `json:"rateLimited"`
	TotalCostUSD float64                     `json:"totalCostUsd"`
}

// Collector aggregates job statuses and results.
type Collector struct {
	registry *prometheus.Registry

	jobs        *prometheus.GaugeVec
	rateLimited prometheus.Gauge
	cost        prometheus.Gauge
	duration    *prometheus.HistogramVec

	summary Summary
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentjob_jobs",
			Help: "Number of jobs by status",
		}, []string{"status"}),
		rateLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentjob_jobs_rate_limited",
			Help: "Number of jobs that hit provider rate limits",
		}),
		cost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentjob_cost_usd",
			Help: "Total reported cost of finished jobs in USD",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentjob_job_duration_seconds",
			Help:    "Wall time of finished jobs",
			Buckets: durationBuckets,
		}, []string{"status"}),
		summary: Summary{ByStatus: map[jobmanager.JobState]int{}},
	}

	c.registry.MustRegister(c.jobs, c.rateLimited, c.cost, c.duration)

	// Report every status, including those with no jobs.
	for _, s := range []jobmanager.JobState{
		jobmanager.JobStateStarting,
		jobmanager.JobStateRunning,
		jobmanager.JobStateCompleted,
		jobmanager.JobStateFailed,
		jobmanager.JobStateKilled,
	} {
		c.jobs.WithLabelValues(string(s))
	}

	return c
}

// Observe adds a job. res may be nil.
func (c *Collector) Observe(st *jobmanager.JobStatus, res *jobmanager.ResultRecord) {
	c.summary.Jobs++
	c.summary.ByStatus[st.Status]++
	c.jobs.WithLabelValues(string(st.Status)).Inc()

	if st.RateLimited {
		c.summary.RateLimited++
		c.rateLimited.Inc()
	}

	if res != nil && res.CostUSD != nil {
		c.summary.TotalCostUSD += *res.CostUSD
		c.cost.Add(*res.CostUSD)
	}

	if st.StartedAt != nil && st.EndedAt != nil {
		c.duration.
			WithLabelValues(string(st.Status)).
			Observe(st.EndedAt.Sub(*st.StartedAt).Seconds())
	}
}

// Summary returns the totals observed so far.
func (c *Collector) Summary() Summary {
	return c.summary
}

// Gatherer exposes the collected metrics.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// WriteTextfile atomically writes the metrics to path in the text exposition
// format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
