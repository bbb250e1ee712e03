// Package enforce decides, per user and per cycle, whether quota
// enforcement applies and which running jobs to cancel.
package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.uber.org/multierr"

	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
)

// Phase is a user's position in the enforcement state machine.
type Phase string

const (
	PhaseNormal       Phase = "normal"
	PhaseGracePending Phase = "grace-pending"
	PhaseActionable   Phase = "actionable"
)

// Canceller cancels a job on the cluster.
type Canceller interface {
	CancelJob(ctx context.Context, jobID string) error
}

// Notifier delivers a message to a user. Failures are logged and ignored.
type Notifier interface {
	Notify(ctx context.Context, user, subject, body string) error
}

// Decision is one planned cancellation.
type Decision struct {
	Seq       int       `json:"seq" yaml:"seq"`
	User      string    `json:"user" yaml:"user"`
	JobID     string    `json:"job_id" yaml:"job_id"`
	JobName   string    `json:"job_name" yaml:"job_name"`
	GPUs      int       `json:"gpus" yaml:"gpus"`
	Start     time.Time `json:"start" yaml:"start"`
	GPUHours  float64   `json:"gpu_hours" yaml:"gpu_hours"`
	Projected float64   `json:"projected_gpu_hours" yaml:"projected_gpu_hours"`
}

// Action is a Decision after it was carried out (or logged, in dry-run).
type Action struct {
	Decision `yaml:",inline"`

	DryRun    bool   `json:"dry_run" yaml:"dry_run"`
	Cancelled bool   `json:"cancelled" yaml:"cancelled"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Outcome is the per-user result of one enforcement cycle.
type Outcome struct {
	User          string       `json:"user" yaml:"user"`
	Status        model.Status `json:"status" yaml:"status"`
	Phase         Phase        `json:"phase" yaml:"phase"`
	Exempt        bool         `json:"exempt,omitempty" yaml:"exempt,omitempty"`
	FirstExceeded *time.Time   `json:"first_exceeded,omitempty" yaml:"first_exceeded,omitempty"`
	GraceDeadline *time.Time   `json:"grace_deadline,omitempty" yaml:"grace_deadline,omitempty"`
	Decisions     []Decision   `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	Actions       []Action     `json:"actions,omitempty" yaml:"actions,omitempty"`
	CancelFailed  bool         `json:"cancel_failed,omitempty" yaml:"cancel_failed,omitempty"`
	Err           error        `json:"-" yaml:"-"`
}

// Result is the outcome of one enforcement cycle across all users.
type Result struct {
	Cluster  string    `json:"cluster" yaml:"cluster"`
	Now      time.Time `json:"now" yaml:"now"`
	DryRun   bool      `json:"dry_run" yaml:"dry_run"`
	Outcomes []Outcome `json:"outcomes" yaml:"outcomes"`
	Err      error     `json:"-" yaml:"-"`
}

// Decisions flattens every planned cancellation in user order.
func (r *Result) Decisions() []Decision {
	var out []Decision
	for _, o := range r.Outcomes {
		out = append(out, o.Decisions...)
	}
	return out
}

// Engine runs the enforcement state machine for a single cluster.
type Engine struct {
	cfg       model.ClusterConfig
	store     StateStore
	canceller Canceller
	notifier  Notifier
	logger    *slog.Logger
}

// NewEngine builds an Engine. When cfg.DryRun is set the canceller is
// replaced by one that only logs. notifier may be nil.
func NewEngine(cfg model.ClusterConfig, store StateStore, canceller Canceller, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("cluster", cfg.Name)
	if cfg.DryRun || canceller == nil {
		canceller = dryRunCanceller{logger: logger}
	}
	return &Engine{cfg: cfg, store: store, canceller: canceller, notifier: notifier, logger: logger}
}

// DryRun reports whether cancellations are only logged.
func (e *Engine) DryRun() bool {
	_, ok := e.canceller.(dryRunCanceller)
	return ok
}

// States lists the persisted state for this cluster.
func (e *Engine) States(ctx context.Context) ([]model.EnforcementState, error) {
	return e.store.List(ctx, e.cfg.Name)
}

// Run evaluates every report against persisted state at instant now and
// acts on users whose grace period has elapsed. jobs must be the same
// snapshot the reports were computed from. Per-user failures are collected
// in the outcomes and in Result.Err; they never stop the batch.
func (e *Engine) Run(ctx context.Context, reports []model.UsageReport, jobs model.Jobs, now time.Time) *Result {
	res := &Result{Cluster: e.cfg.Name, Now: now, DryRun: e.DryRun()}
	byUser := jobs.ByUser()
	seen := make(map[string]struct{}, len(reports))

	for _, r := range reports {
		seen[r.User] = struct{}{}
		o := e.evaluate(ctx, r, byUser[r.User], now)
		res.Err = multierr.Append(res.Err, o.Err)
		res.Outcomes = append(res.Outcomes, o)
	}

	res.Err = multierr.Append(res.Err, e.clearStale(ctx, seen))
	return res
}

func (e *Engine) evaluate(ctx context.Context, r model.UsageReport, jobs model.Jobs, now time.Time) Outcome {
	o := Outcome{User: r.User, Status: r.Status, Phase: PhaseNormal}
	log := e.logger.With("user", r.User)

	if r.Status == model.StatusExceeded && e.cfg.IsExemptUser(r.User) {
		o.Exempt = true
	}

	entered := false
	var first time.Time
	err := e.store.Update(ctx, e.cfg.Name, r.User, func(cur *model.EnforcementState) (*model.EnforcementState, error) {
		if r.Status != model.StatusExceeded || o.Exempt {
			return nil, nil
		}
		first, entered = now, true
		if cur != nil && cur.FirstExceeded != nil {
			first, entered = *cur.FirstExceeded, false
		}
		ts := first
		return &model.EnforcementState{FirstExceeded: &ts, LastStatus: r.Status, LastEvaluated: now}, nil
	})
	if err != nil {
		o.Err = fmt.Errorf("enforcement state for %s: %w", r.User, err)
		log.Error("update enforcement state", "err", err)
		return o
	}
	if r.Status != model.StatusExceeded || o.Exempt {
		return o
	}

	deadline := first.Add(e.cfg.GracePeriod())
	o.FirstExceeded = &first
	o.GraceDeadline = &deadline

	if entered || now.Sub(first) < e.cfg.GracePeriod() {
		o.Phase = PhaseGracePending
		if entered {
			log.Warn("quota exceeded, grace period started", "used", r.UsedGPUHours, "limit", r.QuotaLimit, "deadline", deadline)
			e.notify(ctx, r.User, "GPU quota exceeded", fmt.Sprintf(
				"You have used %.1f of %.0f GPU-hours on %s. Running jobs may be cancelled after %s.",
				r.UsedGPUHours, r.QuotaLimit, e.cfg.Name, deadline.Format(time.RFC3339)))
		}
		return o
	}

	o.Phase = PhaseActionable
	o.Decisions = e.Plan(r, jobs)
	if len(o.Decisions) == 0 {
		log.Info("actionable but no cancellable jobs")
		return o
	}

	var cancelled []string
	for _, d := range o.Decisions {
		a := Action{Decision: d, DryRun: e.DryRun()}
		if err := e.canceller.CancelJob(ctx, d.JobID); err != nil {
			a.Error = err.Error()
			o.CancelFailed = true
			o.Err = multierr.Append(o.Err, fmt.Errorf("cancel job %s: %w", d.JobID, err))
			log.Error("cancel job", "job_id", d.JobID, "err", err)
		} else if !a.DryRun {
			a.Cancelled = true
			cancelled = append(cancelled, d.JobID)
			log.Info("cancelled job", "job_id", d.JobID, "gpu_hours", d.GPUHours)
		}
		o.Actions = append(o.Actions, a)
	}
	if len(cancelled) > 0 {
		e.notify(ctx, r.User, "GPU jobs cancelled", fmt.Sprintf(
			"Your GPU quota on %s is exceeded and the grace period has ended. Cancelled jobs: %v.",
			e.cfg.Name, cancelled))
	}
	return o
}

// Plan returns the ordered cancellations that bring the user's usage back
// within the limit, or every candidate if that is not possible. It does no
// I/O and is identical in dry-run and live mode.
func (e *Engine) Plan(r model.UsageReport, jobs model.Jobs) []Decision {
	if e.cfg.IsExemptUser(r.User) {
		return nil
	}
	candidates := make(model.Jobs, 0, len(jobs))
	for _, j := range jobs {
		if j.User != r.User || !j.IsActive() || e.cfg.IsExemptJob(j) {
			continue
		}
		candidates = append(candidates, j)
	}
	sortCandidates(candidates, e.cfg.CancelOrder)

	projected := r.UsedGPUHours
	var out []Decision
	for _, j := range candidates {
		if projected <= r.QuotaLimit {
			break
		}
		hours := quota.Contribution(j, r.WindowStart, r.WindowEnd)
		projected -= hours
		out = append(out, Decision{
			Seq:       len(out) + 1,
			User:      r.User,
			JobID:     j.ID,
			JobName:   j.Name,
			GPUs:      j.GPUs,
			Start:     *j.Start,
			GPUHours:  hours,
			Projected: projected,
		})
	}
	return out
}

// sortCandidates orders jobs by start time, newest first for LIFO and
// oldest first for FIFO. Ties break on job id.
func sortCandidates(jobs model.Jobs, order model.CancelOrder) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := *jobs[i].Start, *jobs[k].Start
		if !a.Equal(b) {
			if order == model.CancelFIFO {
				return a.Before(b)
			}
			return a.After(b)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// clearStale drops state for users that no longer appear in the reports.
func (e *Engine) clearStale(ctx context.Context, seen map[string]struct{}) error {
	states, err := e.store.List(ctx, e.cfg.Name)
	if err != nil {
		return fmt.Errorf("list enforcement state: %w", err)
	}
	var errs error
	for _, st := range states {
		if _, ok := seen[st.User]; ok {
			continue
		}
		e.logger.Debug("clearing state for inactive user", "user", st.User)
		errs = multierr.Append(errs, e.store.Clear(ctx, e.cfg.Name, st.User))
	}
	return errs
}

func (e *Engine) notify(ctx context.Context, user, subject, body string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, user, subject, body); err != nil {
		e.logger.Warn("notify user", "user", user, "err", err)
	}
}

type dryRunCanceller struct {
	logger *slog.Logger
}

func (d dryRunCanceller) CancelJob(_ context.Context, jobID string) error {
	d.logger.Info("dry-run: would cancel job", "job_id", jobID)
	return nil
}
