// Package stats computes cluster-wide GPU usage and queue-wait statistics
// for two adjacent periods of equal length.
package stats

import (
	"fmt"
	"sort"
	"time"

	"gpuquota/internal/pkg/model"
)

// GroupBy selects the job attribute used as grouping key.
type GroupBy string

const (
	GroupPartition GroupBy = "partition"
	GroupQoS       GroupBy = "qos"
)

// Options controls an analysis. Zero durations and thresholds fall back to
// DefaultOptions; Compare is used as given.
type Options struct {
	Period         time.Duration
	GroupBy        GroupBy
	Groups         []string // restrict output to these keys; empty keeps every key seen
	SmallThreshold float64  // GPU-hours; jobs at or below are small
	LongWait       time.Duration
	MinElapsed     time.Duration
	MaxWait        time.Duration
	Compare        bool
}

// DefaultOptions returns a 30-day partition analysis with comparison.
func DefaultOptions() Options {
	return Options{
		Period:         30 * 24 * time.Hour,
		GroupBy:        GroupPartition,
		SmallThreshold: 50,
		LongWait:       6 * time.Hour,
		MinElapsed:     10 * time.Minute,
		MaxWait:        31 * 24 * time.Hour,
		Compare:        true,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.Period <= 0 {
		o.Period = d.Period
	}
	if o.GroupBy == "" {
		o.GroupBy = d.GroupBy
	}
	if o.SmallThreshold <= 0 {
		o.SmallThreshold = d.SmallThreshold
	}
	if o.LongWait <= 0 {
		o.LongWait = d.LongWait
	}
	if o.MinElapsed <= 0 {
		o.MinElapsed = d.MinElapsed
	}
	if o.MaxWait <= 0 {
		o.MaxWait = d.MaxWait
	}
}

// Snapshot summarizes one bucket of jobs.
type Snapshot struct {
	JobCount        int     `json:"job_count" yaml:"job_count"`
	GPUHours        float64 `json:"gpu_hours" yaml:"gpu_hours"`
	MedianWaitHours float64 `json:"median_wait_hours" yaml:"median_wait_hours"`
	LongWaitCount   int     `json:"long_wait_count" yaml:"long_wait_count"`
	LongWaitPct     float64 `json:"long_wait_pct" yaml:"long_wait_pct"`
}

// Buckets holds a group's snapshots split by job size.
type Buckets struct {
	All   Snapshot `json:"all" yaml:"all"`
	Small Snapshot `json:"small" yaml:"small"`
	Large Snapshot `json:"large" yaml:"large"`
}

// Delta holds signed percentage changes. A nil field means the previous
// value was zero.
type Delta struct {
	JobCount    *float64 `json:"job_count,omitempty" yaml:"job_count,omitempty"`
	GPUHours    *float64 `json:"gpu_hours,omitempty" yaml:"gpu_hours,omitempty"`
	MedianWait  *float64 `json:"median_wait,omitempty" yaml:"median_wait,omitempty"`
	LongWaitPct *float64 `json:"long_wait_pct,omitempty" yaml:"long_wait_pct,omitempty"`
}

// BucketDeltas mirrors Buckets with period-over-period changes.
type BucketDeltas struct {
	All   Delta `json:"all" yaml:"all"`
	Small Delta `json:"small" yaml:"small"`
	Large Delta `json:"large" yaml:"large"`
}

// Group is the analysis of one grouping key.
type Group struct {
	Name        string        `json:"name" yaml:"name"`
	Current     Buckets       `json:"current" yaml:"current"`
	Previous    *Buckets      `json:"previous,omitempty" yaml:"previous,omitempty"`
	Change      *BucketDeltas `json:"change,omitempty" yaml:"change,omitempty"`
	Unstarted   int           `json:"unstarted" yaml:"unstarted"`
	CapacityGPU int           `json:"capacity_gpus,omitempty" yaml:"capacity_gpus,omitempty"`
	Utilization *float64      `json:"utilization_pct,omitempty" yaml:"utilization_pct,omitempty"`
}

// Report is the result of Analyze.
type Report struct {
	GroupBy        GroupBy   `json:"group_by" yaml:"group_by"`
	PeriodDays     float64   `json:"period_days" yaml:"period_days"`
	SmallThreshold float64   `json:"small_threshold" yaml:"small_threshold"`
	CurrentStart   time.Time `json:"current_start" yaml:"current_start"`
	PreviousStart  time.Time `json:"previous_start" yaml:"previous_start"`
	End            time.Time `json:"end" yaml:"end"`
	Groups         []Group   `json:"groups" yaml:"groups"`
	Excluded       int       `json:"excluded" yaml:"excluded"`
}

// sample is a job reduced to what the snapshots need.
type sample struct {
	gpuHours float64
	wait     time.Duration
}

type period struct {
	samples   []sample
	unstarted int
}

// Analyze buckets jobs into the period ending at now and the one before
// it, grouped by opts.GroupBy. capacity maps group key to GPU count and
// may be nil; utilization is reported only for groups with capacity.
func Analyze(jobs model.Jobs, now time.Time, opts Options, capacity map[string]int) (*Report, error) {
	opts.setDefaults()
	if opts.GroupBy != GroupPartition && opts.GroupBy != GroupQoS {
		return nil, fmt.Errorf("%w: unknown grouping %q", model.ErrInvalidConfig, opts.GroupBy)
	}

	curStart := now.Add(-opts.Period)
	prevStart := curStart.Add(-opts.Period)
	rep := &Report{
		GroupBy:        opts.GroupBy,
		PeriodDays:     opts.Period.Hours() / 24,
		SmallThreshold: opts.SmallThreshold,
		CurrentStart:   curStart,
		PreviousStart:  prevStart,
		End:            now,
	}

	wanted := make(map[string]bool, len(opts.Groups))
	for _, g := range opts.Groups {
		wanted[g] = true
	}

	current := make(map[string]*period)
	previous := make(map[string]*period)
	bucket := func(m map[string]*period, key string) *period {
		p, ok := m[key]
		if !ok {
			p = &period{}
			m[key] = p
		}
		return p
	}

	for _, j := range jobs {
		key := groupKey(j, opts.GroupBy)
		if len(wanted) > 0 && !wanted[key] {
			continue
		}
		ref := j.Submit
		if j.Start != nil {
			ref = *j.Start
		}
		var target map[string]*period
		switch {
		case !ref.Before(curStart) && !ref.After(now):
			target = current
		case !ref.Before(prevStart) && ref.Before(curStart):
			if !opts.Compare {
				continue
			}
			target = previous
		default:
			continue
		}
		if j.GPUs <= 0 {
			rep.Excluded++
			continue
		}

		wait, started := j.Wait()
		if !started {
			bucket(target, key).unstarted++
			continue
		}
		elapsed := j.Elapsed(now)
		if elapsed < opts.MinElapsed || wait > opts.MaxWait {
			rep.Excluded++
			continue
		}
		p := bucket(target, key)
		p.samples = append(p.samples, sample{
			gpuHours: float64(j.GPUs) * elapsed.Hours(),
			wait:     wait,
		})
	}

	keys := opts.Groups
	if len(keys) == 0 {
		seen := make(map[string]bool)
		for k := range current {
			seen[k] = true
		}
		for k := range previous {
			seen[k] = true
		}
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	for _, key := range keys {
		g := Group{Name: key}
		if p := current[key]; p != nil {
			g.Current = split(p.samples, opts)
			g.Unstarted = p.unstarted
		}
		if opts.Compare {
			var prev Buckets
			if p := previous[key]; p != nil {
				prev = split(p.samples, opts)
			}
			g.Previous = &prev
			g.Change = &BucketDeltas{
				All:   deltas(g.Current.All, prev.All),
				Small: deltas(g.Current.Small, prev.Small),
				Large: deltas(g.Current.Large, prev.Large),
			}
		}
		if c := capacity[key]; c > 0 {
			g.CapacityGPU = c
			u := g.Current.All.GPUHours / (float64(c) * opts.Period.Hours()) * 100
			g.Utilization = &u
		}
		rep.Groups = append(rep.Groups, g)
	}
	return rep, nil
}

func groupKey(j model.JobRecord, by GroupBy) string {
	key := j.Partition
	if by == GroupQoS {
		key = j.QoS
	}
	if key == "" {
		return "unknown"
	}
	return key
}

func split(samples []sample, opts Options) Buckets {
	var small, large []sample
	for _, s := range samples {
		if s.gpuHours <= opts.SmallThreshold {
			small = append(small, s)
		} else {
			large = append(large, s)
		}
	}
	return Buckets{
		All:   snapshot(samples, opts.LongWait),
		Small: snapshot(small, opts.LongWait),
		Large: snapshot(large, opts.LongWait),
	}
}

func snapshot(samples []sample, longWait time.Duration) Snapshot {
	s := Snapshot{JobCount: len(samples)}
	if len(samples) == 0 {
		return s
	}
	waits := make([]float64, 0, len(samples))
	for _, x := range samples {
		s.GPUHours += x.gpuHours
		waits = append(waits, x.wait.Hours())
		if x.wait > longWait {
			s.LongWaitCount++
		}
	}
	s.MedianWaitHours = Median(waits)
	s.LongWaitPct = float64(s.LongWaitCount) / float64(len(samples)) * 100
	return s
}

// Median returns the middle value of xs, averaging the two middle values
// for even counts. It returns 0 for an empty slice and does not modify xs.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// PctChange returns (current-previous)/previous*100, or nil when previous
// is zero.
func PctChange(current, previous float64) *float64 {
	if previous == 0 {
		return nil
	}
	v := (current - previous) / previous * 100
	return &v
}

func deltas(cur, prev Snapshot) Delta {
	return Delta{
		JobCount:    PctChange(float64(cur.JobCount), float64(prev.JobCount)),
		GPUHours:    PctChange(cur.GPUHours, prev.GPUHours),
		MedianWait:  PctChange(cur.MedianWaitHours, prev.MedianWaitHours),
		LongWaitPct: PctChange(cur.LongWaitPct, prev.LongWaitPct),
	}
}
