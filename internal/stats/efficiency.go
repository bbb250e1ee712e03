package stats

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"gpuquota/internal/pkg/model"
)

// LowEfficiencyPct is the level below which a resource is reported as
// over-requested.
const LowEfficiencyPct = 50.0

// Efficiency is the resource usage of a single job relative to what it
// requested.
type Efficiency struct {
	JobID           string         `json:"job_id" yaml:"job_id"`
	Name            string         `json:"name" yaml:"name"`
	User            string         `json:"user" yaml:"user"`
	State           model.JobState `json:"state" yaml:"state"`
	CPUs            int            `json:"cpus" yaml:"cpus"`
	GPUs            int            `json:"gpus" yaml:"gpus"`
	Elapsed         time.Duration  `json:"elapsed" yaml:"elapsed"`
	CPUTime         time.Duration  `json:"cpu_time" yaml:"cpu_time"`
	ReqMemBytes     int64          `json:"req_mem_bytes" yaml:"req_mem_bytes"`
	PeakMemBytes    int64          `json:"peak_mem_bytes" yaml:"peak_mem_bytes"`
	CPUPct          *float64       `json:"cpu_efficiency_pct,omitempty" yaml:"cpu_efficiency_pct,omitempty"`
	MemPct          *float64       `json:"memory_efficiency_pct,omitempty" yaml:"memory_efficiency_pct,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// JobEfficiency computes CPU efficiency as CPU time over CPUs x elapsed and
// memory efficiency as peak over requested memory. Either is nil when its
// denominator is zero.
func JobEfficiency(j model.JobRecord, asOf time.Time) Efficiency {
	e := Efficiency{
		JobID:        j.ID,
		Name:         j.Name,
		User:         j.User,
		State:        j.State,
		CPUs:         j.CPUs,
		GPUs:         j.GPUs,
		Elapsed:      j.Elapsed(asOf),
		CPUTime:      j.CPUTime,
		ReqMemBytes:  j.ReqMemBytes,
		PeakMemBytes: j.PeakMemBytes,
	}

	if core := float64(j.CPUs) * e.Elapsed.Seconds(); core > 0 {
		v := j.CPUTime.Seconds() / core * 100
		e.CPUPct = &v
		if v < LowEfficiencyPct && j.CPUs > 1 {
			used := int(math.Max(1, math.Ceil(float64(j.CPUs)*v/100)))
			e.Recommendations = append(e.Recommendations, fmt.Sprintf(
				"CPU efficiency is %.1f%%: request fewer CPUs (about %d instead of %d)", v, used, j.CPUs))
		}
	}
	if j.ReqMemBytes > 0 {
		v := float64(j.PeakMemBytes) / float64(j.ReqMemBytes) * 100
		e.MemPct = &v
		if v < LowEfficiencyPct {
			e.Recommendations = append(e.Recommendations, fmt.Sprintf(
				"memory efficiency is %.1f%%: peak was %s of %s requested, request less memory",
				v, humanize.IBytes(uint64(j.PeakMemBytes)), humanize.IBytes(uint64(j.ReqMemBytes))))
		}
	}
	return e
}
