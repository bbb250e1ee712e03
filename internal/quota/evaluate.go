package quota

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gpuquota/internal/pkg/model"
)

// Evaluate classifies used GPU-hours against limit. Thresholds are fractions
// of limit and inclusive; exceeded requires strictly more than limit.
func Evaluate(used, limit, warning, critical float64) (model.UsageReport, error) {
	if limit <= 0 {
		return model.UsageReport{}, fmt.Errorf("%w: quota limit must be positive, got %v", model.ErrInvalidConfig, limit)
	}
	if warning < 0 || warning > 1 || critical < 0 || critical > 1 {
		return model.UsageReport{}, fmt.Errorf("%w: thresholds must be within [0,1], got warning=%v critical=%v",
			model.ErrInvalidConfig, warning, critical)
	}

	pct := used / limit
	status := model.StatusOK
	switch {
	case used > limit:
		status = model.StatusExceeded
	case pct >= critical:
		status = model.StatusCritical
	case pct >= warning:
		status = model.StatusWarning
	}
	return model.UsageReport{
		UsedGPUHours:   used,
		QuotaLimit:     limit,
		RemainingHours: limit - used,
		UsagePercent:   pct,
		Status:         status,
	}, nil
}

// Checker produces usage reports for one cluster. All reports produced from
// one call share the same job snapshot and the same now.
type Checker struct {
	cfg model.ClusterConfig
}

// NewChecker validates the quota part of cfg.
func NewChecker(cfg model.ClusterConfig) (*Checker, error) {
	if cfg.RollingWindowDays <= 0 {
		return nil, fmt.Errorf("%w: rolling window must be positive, got %d days", model.ErrInvalidConfig, cfg.RollingWindowDays)
	}
	if _, err := Evaluate(0, cfg.QuotaLimit, cfg.WarningThreshold, cfg.CriticalThreshold); err != nil {
		return nil, err
	}
	return &Checker{cfg: cfg}, nil
}

// Config returns the cluster configuration the checker evaluates against.
func (c *Checker) Config() model.ClusterConfig { return c.cfg }

// Window returns the rolling window ending at now.
func (c *Checker) Window(now time.Time) (time.Time, time.Time) {
	return Window(now, c.cfg.RollingWindowDays)
}

// matches applies the configured QoS/account/partition scope to records
// coming from sources that could not filter server-side. Each scope field
// may hold a comma separated list.
func (c *Checker) matches(j model.JobRecord) bool {
	return inScope(c.cfg.QoS, j.QoS) &&
		inScope(c.cfg.Account, j.Account) &&
		inScope(c.cfg.Partition, j.Partition)
}

func inScope(scope, v string) bool {
	if scope == "" || v == "" {
		return true
	}
	for _, s := range strings.Split(scope, ",") {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

// Scope returns the jobs that count against this cluster's quota.
func (c *Checker) Scope(jobs model.Jobs) model.Jobs {
	out := make(model.Jobs, 0, len(jobs))
	for _, j := range jobs {
		if c.matches(j) {
			out = append(out, j)
		}
	}
	return out
}

// Report builds the usage report of user as of now.
func (c *Checker) Report(jobs model.Jobs, user string, now time.Time) model.UsageReport {
	start, end := c.Window(now)
	var own model.Jobs
	for _, j := range jobs {
		if j.User == user && c.matches(j) {
			own = append(own, j)
		}
	}
	// Config was validated in NewChecker, Evaluate cannot fail here.
	r, _ := Evaluate(Aggregate(own, user, start, end), c.cfg.QuotaLimit, c.cfg.WarningThreshold, c.cfg.CriticalThreshold)
	r.User = user
	r.WindowStart, r.WindowEnd = start, end
	r.TotalJobs = len(own)
	for _, j := range own {
		if j.IsActive() {
			r.ActiveJobs++
		}
	}
	return r
}

// ReportAll builds reports for every user present in jobs, heaviest users
// first.
func (c *Checker) ReportAll(jobs model.Jobs, now time.Time) []model.UsageReport {
	byUser := c.Scope(jobs).ByUser()
	out := make([]model.UsageReport, 0, len(byUser))
	for user, own := range byUser {
		out = append(out, c.Report(own, user, now))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].UsedGPUHours != out[k].UsedGPUHours {
			return out[i].UsedGPUHours > out[k].UsedGPUHours
		}
		return out[i].User < out[k].User
	})
	return out
}
