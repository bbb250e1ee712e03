package stats

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"gpuquota/internal/pkg/model"
)

// JobSource fetches job records.
type JobSource interface {
	FetchJobs(ctx context.Context, f model.JobFilter) (model.Jobs, error)
}

// CapacitySource reports GPUs per partition.
type CapacitySource interface {
	GPUCapacity(ctx context.Context, names ...string) (map[string]int, error)
}

// Collect fetches both periods in one query and, for partition grouping,
// the partition GPU capacity in parallel, then runs Analyze. capacity may
// be nil; a failed capacity lookup only drops utilization.
func Collect(ctx context.Context, jobs JobSource, capacity CapacitySource, scope model.JobFilter, now time.Time, opts Options) (*Report, error) {
	opts.setDefaults()
	filter := scope
	filter.Start = now.Add(-2 * opts.Period)
	filter.End = now

	var (
		records model.Jobs
		gpus    map[string]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = jobs.FetchJobs(gctx, filter)
		return err
	})
	if capacity != nil && opts.GroupBy == GroupPartition {
		g.Go(func() error {
			c, err := capacity.GPUCapacity(gctx, opts.Groups...)
			if err == nil {
				gpus = c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Analyze(records, now, opts, gpus)
}
