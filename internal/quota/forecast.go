package quota

import (
	"time"

	"gpuquota/internal/pkg/model"
)

// DefaultHorizons are the forecast sample offsets.
var DefaultHorizons = []time.Duration{12 * time.Hour, 24 * time.Hour, 72 * time.Hour, 168 * time.Hour}

// Forecast simulates how much quota user gets back as already-consumed hours
// age out of the rolling window. It assumes no new jobs are submitted and
// running jobs stop accruing at now. ok is false when the user has no active
// job, in which case there is nothing to simulate.
func (c *Checker) Forecast(jobs model.Jobs, user string, now time.Time, horizons []time.Duration) ([]model.ForecastPoint, bool) {
	if len(horizons) == 0 {
		horizons = DefaultHorizons
	}

	var own model.Jobs
	active := false
	for _, j := range jobs {
		if j.User != user || !c.matches(j) {
			continue
		}
		if j.IsActive() {
			active = true
		}
		own = append(own, freezeAt(j, now))
	}
	if !active {
		return nil, false
	}

	limit := c.cfg.QuotaLimit
	points := make([]model.ForecastPoint, 0, len(horizons))
	for _, h := range horizons {
		at := now.Add(h)
		start, end := c.Window(at)
		available := limit - Aggregate(own, user, start, end)
		points = append(points, model.ForecastPoint{
			Offset:         h,
			At:             at,
			AvailableHours: available,
			AvailablePct:   available / limit,
		})
	}
	return points, true
}

// freezeAt ends a running job at now so it stops accruing in the simulation.
func freezeAt(j model.JobRecord, now time.Time) model.JobRecord {
	if j.Start == nil {
		return j
	}
	if j.End == nil || j.End.After(now) {
		end := now
		j.End = &end
	}
	return j
}
