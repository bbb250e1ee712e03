package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuquota/internal/pkg/model"
)

var now = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func job(id, user string, gpus int, start, end *time.Time) model.JobRecord {
	state := model.JobCompleted
	if end == nil {
		state = model.JobRunning
	}
	if start == nil {
		state = model.JobPending
	}
	submit := now.Add(-90 * 24 * time.Hour)
	return model.JobRecord{ID: id, Name: "train-" + id, User: user, GPUs: gpus, Start: start, End: end, Submit: submit, State: state}
}

func testCluster() model.ClusterConfig {
	return model.ClusterConfig{
		Name:              "test",
		QuotaLimit:        500,
		RollingWindowDays: 30,
		WarningThreshold:  0.8,
		CriticalThreshold: 1.0,
	}
}

func TestOverlap(t *testing.T) {
	ws, we := Window(now, 30)

	tests := []struct {
		name string
		job  model.JobRecord
		want time.Duration
	}{
		{"inside", job("1", "a", 1, at(-48*time.Hour), at(-24*time.Hour)), 24 * time.Hour},
		{"straddles start", job("2", "a", 1, at(-31*24*time.Hour), at(-29*24*time.Hour)), 24 * time.Hour},
		{"running", job("3", "a", 1, at(-10*time.Hour), nil), 10 * time.Hour},
		{"pending", job("4", "a", 1, nil, nil), 0},
		{"before window", job("5", "a", 1, at(-40*24*time.Hour), at(-35*24*time.Hour)), 0},
		{"ends exactly at window start", job("6", "a", 1, at(-40*24*time.Hour), &ws), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlap(tt.job, ws, we))
		})
	}
}

func TestAggregateOnlyCountsUser(t *testing.T) {
	ws, we := Window(now, 30)
	jobs := model.Jobs{
		job("1", "alice", 2, at(-5*time.Hour), at(-3*time.Hour)),
		job("2", "bob", 8, at(-5*time.Hour), at(-3*time.Hour)),
		job("3", "alice", 1, at(-1*time.Hour), nil),
	}
	assert.InDelta(t, 5.0, Aggregate(jobs, "alice", ws, we), 1e-9)
	assert.InDelta(t, 16.0, Aggregate(jobs, "bob", ws, we), 1e-9)
	assert.Zero(t, Aggregate(jobs, "carol", ws, we))
}

func TestAggregateMonotonicInWindowEnd(t *testing.T) {
	jobs := model.Jobs{
		job("1", "alice", 4, at(-20*24*time.Hour), nil),
		job("2", "alice", 2, at(-10*24*time.Hour), at(-9*24*time.Hour)),
	}
	prev := -1.0
	for h := 0; h <= 48; h += 6 {
		end := now.Add(time.Duration(h) * time.Hour)
		start := end.Add(-30 * 24 * time.Hour)
		got := Aggregate(jobs, "alice", start, end)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestEvaluateBoundaries(t *testing.T) {
	r, err := Evaluate(500, 500, 0.8, 1.0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCritical, r.Status, "usage equal to limit is not exceeded")

	r, err = Evaluate(500.01, 500, 0.8, 1.0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExceeded, r.Status)

	r, err = Evaluate(450, 500, 0.8, 0.9)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCritical, r.Status, "percentage at critical threshold is critical")

	r, err = Evaluate(400, 500, 0.8, 0.9)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWarning, r.Status)

	r, err = Evaluate(399, 500, 0.8, 0.9)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, r.Status)
	assert.InDelta(t, 101, r.RemainingHours, 1e-9)
}

func TestEvaluateRejectsBadLimit(t *testing.T) {
	for _, limit := range []float64{0, -1} {
		_, err := Evaluate(10, limit, 0.8, 1.0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrInvalidConfig))
	}
	_, err := Evaluate(10, 100, 1.2, 1.0)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestReportAliceExceeded(t *testing.T) {
	c, err := NewChecker(testCluster())
	require.NoError(t, err)

	jobs := model.Jobs{job("100", "alice", 4, at(-10*24*time.Hour), nil)}
	r := c.Report(jobs, "alice", now)

	assert.InDelta(t, 960, r.UsedGPUHours, 1e-9)
	assert.Equal(t, model.StatusExceeded, r.Status)
	assert.InDelta(t, -460, r.RemainingHours, 1e-9)
	assert.Equal(t, 1, r.ActiveJobs)
	assert.Equal(t, 1, r.TotalJobs)
}

func TestReportAllSortedByUsage(t *testing.T) {
	c, err := NewChecker(testCluster())
	require.NoError(t, err)

	jobs := model.Jobs{
		job("1", "bob", 1, at(-10*time.Hour), at(-5*time.Hour)),
		job("2", "alice", 4, at(-10*time.Hour), at(-5*time.Hour)),
		job("3", "carol", 1, nil, nil),
	}
	reports := c.ReportAll(jobs, now)
	require.Len(t, reports, 3)
	assert.Equal(t, "alice", reports[0].User)
	assert.Equal(t, "bob", reports[1].User)
	assert.Equal(t, "carol", reports[2].User)
	assert.Zero(t, reports[2].UsedGPUHours)
}

func TestReportScopesQoS(t *testing.T) {
	cfg := testCluster()
	cfg.QoS = "normal"
	c, err := NewChecker(cfg)
	require.NoError(t, err)

	a := job("1", "alice", 1, at(-10*time.Hour), at(-5*time.Hour))
	a.QoS = "normal"
	b := job("2", "alice", 1, at(-10*time.Hour), at(-5*time.Hour))
	b.QoS = "high"
	r := c.Report(model.Jobs{a, b}, "alice", now)
	assert.InDelta(t, 5, r.UsedGPUHours, 1e-9)
	assert.Equal(t, 1, r.TotalJobs)
}

func TestScopeAcceptsLists(t *testing.T) {
	cfg := testCluster()
	cfg.QoS = "normal, high"
	c, err := NewChecker(cfg)
	require.NoError(t, err)

	a := job("1", "alice", 1, at(-2*time.Hour), nil)
	a.QoS = "high"
	b := job("2", "alice", 1, at(-2*time.Hour), nil)
	b.QoS = "debug"
	scoped := c.Scope(model.Jobs{a, b})
	require.Len(t, scoped, 1)
	assert.Equal(t, "1", scoped[0].ID)
}

func TestNewCheckerValidates(t *testing.T) {
	cfg := testCluster()
	cfg.RollingWindowDays = 0
	_, err := NewChecker(cfg)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	cfg = testCluster()
	cfg.QuotaLimit = 0
	_, err = NewChecker(cfg)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestForecastUnavailableWithoutActiveJobs(t *testing.T) {
	c, err := NewChecker(testCluster())
	require.NoError(t, err)

	jobs := model.Jobs{job("1", "alice", 4, at(-10*time.Hour), at(-5*time.Hour))}
	points, ok := c.Forecast(jobs, "alice", now, nil)
	assert.False(t, ok)
	assert.Nil(t, points)
}

func TestForecastFreesQuotaAsJobsAgeOut(t *testing.T) {
	c, err := NewChecker(testCluster())
	require.NoError(t, err)

	// 100 GPU-hours that started 30 days minus 6 hours ago roll out within 12h.
	old := job("1", "alice", 10, at(-30*24*time.Hour+6*time.Hour), at(-30*24*time.Hour+16*time.Hour))
	running := job("2", "alice", 1, at(-10*time.Hour), nil)
	jobs := model.Jobs{old, running}

	points, ok := c.Forecast(jobs, "alice", now, nil)
	require.True(t, ok)
	require.Len(t, points, len(DefaultHorizons))

	// now: 100 + 10 used
	assert.InDelta(t, 500-(100+10), c.cfg.QuotaLimit-c.Report(jobs, "alice", now).UsedGPUHours, 1e-9)
	// +12h: window starts at -30d+12h, old job keeps 4h x 10 GPUs
	assert.InDelta(t, 500-(40+10), points[0].AvailableHours, 1e-9)
	// +24h: old job fully aged out
	assert.InDelta(t, 500-10, points[1].AvailableHours, 1e-9)
	assert.InDelta(t, 0.98, points[1].AvailablePct, 1e-9)
	for i := 1; i < len(points); i++ {
		assert.GreaterOrEqual(t, points[i].AvailableHours, points[i-1].AvailableHours)
	}
}
