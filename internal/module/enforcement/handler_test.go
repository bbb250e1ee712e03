package enforcement

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

	"gpuquota/internal/enforce"
	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
)

type staticSource model.Jobs

func (s staticSource) FetchJobs(context.Context, model.JobFilter) (model.Jobs, error) {
	return model.Jobs(s), nil
}

func setup(t *testing.T, withEngine bool) *gin.Engine {
	t.Helper()
	cfg := model.ClusterConfig{
		Name: "gpu", QuotaLimit: 100, RollingWindowDays: 30,
		WarningThreshold: 0.8, CriticalThreshold: 1.0,
		EnforcementEnabled: true, DryRun: true, GracePeriodHours: 24, CancelOrder: model.CancelLIFO,
	}
	checker, err := quota.NewChecker(cfg)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var engine *enforce.Engine
	if withEngine {
		engine = enforce.NewEngine(cfg, enforce.NewMemoryStore(), nil, nil, logger)
	}
	start := time.Now().Add(-20 * time.Hour)
	src := staticSource{{ID: "1", User: "alice", GPUs: 8, Submit: start, Start: &start, State: model.JobRunning}}
	m := monitor.New(checker, src, engine, logger)
	_, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	monitor.SetDefault(m)
	t.Cleanup(func() { monitor.SetDefault(nil) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	Router{}.Register(r)
	return r
}

func TestGetEnforcement(t *testing.T) {
	r := setup(t, true)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/enforcement", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count   int    `json:"count"`
		Results Status `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "gpu", body.Results.Cluster)
	assert.True(t, body.Results.DryRun)
	assert.NotEmpty(t, body.Results.CycleID)
	require.Len(t, body.Results.States, 1)
	assert.Equal(t, "alice", body.Results.States[0].User)
	require.NotNil(t, body.Results.Last)
	require.Len(t, body.Results.Last.Outcomes, 1)
	assert.Equal(t, enforce.PhaseGracePending, body.Results.Last.Outcomes[0].Phase)
}

func TestGetEnforcementDisabled(t *testing.T) {
	r := setup(t, false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/enforcement", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
