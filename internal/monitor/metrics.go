package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gpuquota/internal/enforce"
)

const namespace = "gpuquota"

// Metrics exports the latest cycle per user plus cycle and cancellation
// counters.
type Metrics struct {
	usedHours   *prometheus.GaugeVec
	usageRatio  *prometheus.GaugeVec
	activeJobs  *prometheus.GaugeVec
	phase       *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
	cancels     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	duration    prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		usedHours: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_used_gpu_hours",
			Help:      "GPU-hours consumed in the rolling window",
		}, []string{"cluster", "user"}),
		usageRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_usage_ratio",
			Help:      "Used GPU-hours divided by the quota limit",
		}, []string{"cluster", "user"}),
		activeJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_active_jobs",
			Help:      "Running jobs holding GPUs",
		}, []string{"cluster", "user"}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_enforcement_phase",
			Help:      "1 for the enforcement phase the user is in",
		}, []string{"cluster", "user", "phase"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Monitor cycles by result",
		}, []string{"cluster", "result"}),
		cancels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_cancellations_total",
			Help:      "Cancellation actions by dry-run mode and result",
		}, []string{"cluster", "dry_run", "result"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle",
		}, []string{"cluster"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Monitor cycle duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (m *Metrics) observe(c *Cycle) {
	if m == nil {
		return
	}
	m.duration.Observe(c.Duration.Seconds())
	if c.Err != nil {
		m.cycles.WithLabelValues(c.Cluster, "error").Inc()
		return
	}
	m.cycles.WithLabelValues(c.Cluster, "ok").Inc()
	m.lastSuccess.WithLabelValues(c.Cluster).Set(float64(c.Now.Unix()))

	// Users that dropped out of the window must not keep their last value.
	m.usedHours.Reset()
	m.usageRatio.Reset()
	m.activeJobs.Reset()
	m.phase.Reset()
	for _, r := range c.Reports {
		m.usedHours.WithLabelValues(c.Cluster, r.User).Set(r.UsedGPUHours)
		m.usageRatio.WithLabelValues(c.Cluster, r.User).Set(r.UsagePercent)
		m.activeJobs.WithLabelValues(c.Cluster, r.User).Set(float64(r.ActiveJobs))
	}
	if c.Enforcement == nil {
		return
	}
	for _, o := range c.Enforcement.Outcomes {
		if o.Phase != enforce.PhaseNormal {
			m.phase.WithLabelValues(c.Cluster, o.User, string(o.Phase)).Set(1)
		}
		for _, a := range o.Actions {
			result := "ok"
			if a.Error != "" {
				result = "error"
			}
			m.cancels.WithLabelValues(c.Cluster, strconv.FormatBool(a.DryRun), result).Inc()
		}
	}
}
