// Package quota turns job records into per-user GPU-hour usage and quota
// status.
package quota

import (
	"time"

	"gpuquota/internal/pkg/model"
)

// Window returns the rolling window [end-days, end].
func Window(end time.Time, days int) (time.Time, time.Time) {
	return end.Add(-time.Duration(days) * 24 * time.Hour), end
}

// Overlap returns how long job held its allocation inside
// [windowStart, windowEnd]. Jobs that have not started contribute nothing;
// jobs without an end are treated as running until windowEnd.
func Overlap(job model.JobRecord, windowStart, windowEnd time.Time) time.Duration {
	if job.Start == nil {
		return 0
	}
	end := windowEnd
	if job.End != nil && job.End.Before(windowEnd) {
		end = *job.End
	}
	start := *job.Start
	if start.Before(windowStart) {
		start = windowStart
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Contribution returns the job's GPU-hours inside the window.
func Contribution(job model.JobRecord, windowStart, windowEnd time.Time) float64 {
	if job.GPUs <= 0 {
		return 0
	}
	return float64(job.GPUs) * Overlap(job, windowStart, windowEnd).Hours()
}

// Aggregate sums the GPU-hours user consumed inside [windowStart, windowEnd].
func Aggregate(jobs model.Jobs, user string, windowStart, windowEnd time.Time) float64 {
	var total float64
	for _, j := range jobs {
		if j.User != user {
			continue
		}
		total += Contribution(j, windowStart, windowEnd)
	}
	return total
}
