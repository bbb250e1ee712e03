package usage

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
)

type staticSource model.Jobs

func (s staticSource) FetchJobs(context.Context, model.JobFilter) (model.Jobs, error) {
	return model.Jobs(s), nil
}

func running(id, user string, gpus int, since time.Duration) model.JobRecord {
	start := time.Now().Add(-since)
	return model.JobRecord{ID: id, User: user, QoS: "normal", GPUs: gpus, Submit: start, Start: &start, State: model.JobRunning}
}

func setup(t *testing.T, runCycle bool) *gin.Engine {
	t.Helper()
	checker, err := quota.NewChecker(model.ClusterConfig{
		Name: "gpu", QoS: "normal", QuotaLimit: 100, RollingWindowDays: 30,
		WarningThreshold: 0.8, CriticalThreshold: 1.0,
	})
	require.NoError(t, err)
	src := staticSource{
		running("1", "alice", 8, 20*time.Hour),
		running("2", "bob", 1, 10*time.Hour),
	}
	m := monitor.New(checker, src, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if runCycle {
		_, err := m.RunOnce(context.Background())
		require.NoError(t, err)
	}
	monitor.SetDefault(m)
	t.Cleanup(func() { monitor.SetDefault(nil) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	Router{}.Register(r)
	return r
}

func get(t *testing.T, r http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestListUsageBeforeFirstCycle(t *testing.T) {
	r := setup(t, false)
	w, body := get(t, r, "/api/v1/usage")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, body["detail"])
}

func TestListUsagePaged(t *testing.T) {
	r := setup(t, true)
	w, body := get(t, r, "/api/v1/usage?page=1&page_size=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	assert.Nil(t, body["previous"])
	assert.Contains(t, body["next"], "page=2")

	results := body["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "alice", first["user"])
	assert.Equal(t, "exceeded", first["status"])
}

func TestListUsageStatusFilter(t *testing.T) {
	r := setup(t, true)
	w, body := get(t, r, "/api/v1/usage?status=ok,warning")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	results := body["results"].([]any)
	assert.Equal(t, "bob", results[0].(map[string]any)["user"])
}

func TestListUsagePagingBounds(t *testing.T) {
	r := setup(t, true)
	w, _ := get(t, r, "/api/v1/usage?page_size=500")
	assert.Equal(t, http.StatusOK, w.Code)

	for _, q := range []string{"page=-1", "page=0", "page=abc", "page_size=0", "paging=maybe"} {
		w, _ = get(t, r, "/api/v1/usage?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w, body := get(t, r, "/api/v1/usage?page=461168601842738792&page_size=20")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["results"])
	assert.Nil(t, body["next"])
}

func TestGetUsageWithForecast(t *testing.T) {
	r := setup(t, true)
	w, body := get(t, r, "/api/v1/usage/alice?forecast=true")
	require.Equal(t, http.StatusOK, w.Code)
	res := body["results"].(map[string]any)
	assert.Equal(t, "alice", res["user"])
	assert.InDelta(t, 160, res["used_gpu_hours"].(float64), 0.5)
	assert.Len(t, res["forecast"], len(quota.DefaultHorizons))
}

func TestGetUsageUnknownUser(t *testing.T) {
	r := setup(t, true)
	w, body := get(t, r, "/api/v1/usage/carol")
	require.Equal(t, http.StatusOK, w.Code)
	res := body["results"].(map[string]any)
	assert.Equal(t, "carol", res["user"])
	assert.EqualValues(t, 0, res["used_gpu_hours"])
	assert.Equal(t, "ok", res["status"])
	assert.Nil(t, res["forecast"])
}
