// Package monitor runs quota cycles: one job snapshot, per-user reports
// and, when enabled, one enforcement pass.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gpuquota/internal/enforce"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
)

// Source fetches job records.
type Source interface {
	FetchJobs(ctx context.Context, f model.JobFilter) (model.Jobs, error)
}

// Cycle is the result of one monitor pass.
type Cycle struct {
	ID          string              `json:"id" yaml:"id"`
	Cluster     string              `json:"cluster" yaml:"cluster"`
	Now         time.Time           `json:"now" yaml:"now"`
	Duration    time.Duration       `json:"duration" yaml:"duration"`
	JobCount    int                 `json:"job_count" yaml:"job_count"`
	Reports     []model.UsageReport `json:"reports" yaml:"reports"`
	Enforcement *enforce.Result     `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
	Error       string              `json:"error,omitempty" yaml:"error,omitempty"`
	Err         error               `json:"-" yaml:"-"`

	jobs model.Jobs
}

// Jobs returns the snapshot the cycle was computed from.
func (c *Cycle) Jobs() model.Jobs { return c.jobs }

// Report returns the report of user, if present.
func (c *Cycle) Report(user string) (model.UsageReport, bool) {
	for _, r := range c.Reports {
		if r.User == user {
			return r, true
		}
	}
	return model.UsageReport{}, false
}

// Monitor runs cycles for one cluster and keeps the latest one.
type Monitor struct {
	checker *quota.Checker
	source  Source
	engine  *enforce.Engine
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	latest *Cycle
}

// New builds a Monitor. engine may be nil to only report.
func New(checker *quota.Checker, source Source, engine *enforce.Engine, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		checker: checker,
		source:  source,
		engine:  engine,
		logger:  logger.With("cluster", checker.Config().Name),
		now:     time.Now,
	}
}

// SetMetrics attaches prometheus collectors.
func (m *Monitor) SetMetrics(metrics *Metrics) { m.metrics = metrics }

func (m *Monitor) Checker() *quota.Checker { return m.checker }

func (m *Monitor) Engine() *enforce.Engine { return m.engine }

// Package-level default Monitor for the HTTP handlers.
var defaultMonitor *Monitor

// SetDefault sets the package-level default Monitor.
func SetDefault(m *Monitor) { defaultMonitor = m }

// Default returns the package-level default Monitor.
func Default() *Monitor { return defaultMonitor }

// Source returns the job source cycles fetch from.
func (m *Monitor) Source() Source { return m.source }

// Latest returns the most recent successful cycle, or nil.
func (m *Monitor) Latest() *Cycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Filter returns the job filter of the rolling window ending at now.
func (m *Monitor) Filter(now time.Time) model.JobFilter {
	cfg := m.checker.Config()
	start, end := m.checker.Window(now)
	return model.JobFilter{QoS: cfg.QoS, Account: cfg.Account, Partition: cfg.Partition, Start: start, End: end}
}

// RunOnce performs a single cycle. A source error aborts the cycle with no
// partial results and leaves the previous cycle as Latest.
func (m *Monitor) RunOnce(ctx context.Context) (*Cycle, error) {
	now := m.now()
	c := &Cycle{ID: uuid.NewString(), Cluster: m.checker.Config().Name, Now: now}
	log := m.logger.With("cycle", c.ID)
	defer func() {
		c.Duration = m.now().Sub(now)
		m.metrics.observe(c)
	}()

	jobs, err := m.source.FetchJobs(ctx, m.Filter(now))
	if err != nil {
		c.Err, c.Error = err, err.Error()
		log.Error("fetch jobs", "err", err)
		return c, err
	}
	c.jobs = m.checker.Scope(jobs)
	c.JobCount = len(c.jobs)
	c.Reports = m.checker.ReportAll(c.jobs, now)
	log.Debug("usage computed", "jobs", c.JobCount, "users", len(c.Reports))

	if m.engine != nil {
		c.Enforcement = m.engine.Run(ctx, c.Reports, c.jobs, now)
		if c.Enforcement.Err != nil {
			// Per-user failures do not fail the cycle.
			log.Warn("enforcement finished with errors", "err", c.Enforcement.Err)
		}
	}

	m.mu.Lock()
	m.latest = c
	m.mu.Unlock()
	return c, nil
}

// Run performs a cycle every interval until ctx is done. Cycle errors are
// logged and the loop continues. onCycle, if set, is called after each
// cycle.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onCycle func(*Cycle)) error {
	if interval <= 0 {
		return errors.New("monitor interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", interval, "enforce", m.engine != nil)
	for {
		c, _ := m.RunOnce(ctx)
		if onCycle != nil {
			onCycle(c)
		}
		if ctx.Err() != nil {
			m.logger.Info("monitor stopped")
			return nil
		}
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}
