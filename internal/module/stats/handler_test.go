package stats

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
	analysis "gpuquota/internal/stats"
)

type staticSource model.Jobs

func (s staticSource) FetchJobs(context.Context, model.JobFilter) (model.Jobs, error) {
	return model.Jobs(s), nil
}

func finished(id, partition string, gpus int, ago time.Duration) model.JobRecord {
	submit := time.Now().Add(-ago)
	start := submit.Add(time.Hour)
	end := start.Add(10 * time.Hour)
	return model.JobRecord{ID: id, User: "alice", Partition: partition, QoS: "normal", GPUs: gpus,
		Submit: submit, Start: &start, End: &end, State: model.JobCompleted}
}

func setup(t *testing.T) *gin.Engine {
	t.Helper()
	checker, err := quota.NewChecker(model.ClusterConfig{Name: "gpu", QuotaLimit: 100, RollingWindowDays: 30, CriticalThreshold: 1})
	require.NoError(t, err)
	src := staticSource{
		finished("1", "a100", 2, 3*24*time.Hour),
		finished("2", "v100", 8, 4*24*time.Hour),
		finished("3", "a100", 1, 10*24*time.Hour),
	}
	monitor.SetDefault(monitor.New(checker, src, nil, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { monitor.SetDefault(nil) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	Router{}.Register(r)
	return r
}

func TestGetStats(t *testing.T) {
	r := setup(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats?period=7d&groups=a100&compare=false", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count   int             `json:"count"`
		Results analysis.Report `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 7.0, body.Results.PeriodDays)
	require.Len(t, body.Results.Groups, 1)
	g := body.Results.Groups[0]
	assert.Equal(t, "a100", g.Name)
	assert.Equal(t, 1, g.Current.All.JobCount)
	assert.InDelta(t, 20, g.Current.All.GPUHours, 1e-6)
	assert.Nil(t, g.Previous)
}

func TestGetStatsRejectsBadQuery(t *testing.T) {
	r := setup(t)
	for _, q := range []string{"period=soon", "group=user", "small_threshold=-1"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestQueryOptions(t *testing.T) {
	no := false
	opts, err := Query{Period: "14d", Group: "qos", Groups: "normal, high", SmallThreshold: 10, Compare: &no}.Options()
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, opts.Period)
	assert.Equal(t, analysis.GroupQoS, opts.GroupBy)
	assert.Equal(t, []string{"normal", "high"}, opts.Groups)
	assert.Equal(t, 10.0, opts.SmallThreshold)
	assert.False(t, opts.Compare)

	opts, err = Query{}.Options()
	require.NoError(t, err)
	assert.Equal(t, analysis.DefaultOptions(), opts)
}
