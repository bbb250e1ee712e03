package enforcement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gpuquota/internal/enforce"
	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/common/response"
	"gpuquota/internal/pkg/model"
)

// Status is the enforcement view served by the API.
type Status struct {
	Cluster string                   `json:"cluster"`
	DryRun  bool                     `json:"dry_run"`
	CycleID string                   `json:"cycle_id,omitempty"`
	Last    *enforce.Result          `json:"last,omitempty"`
	States  []model.EnforcementState `json:"states"`
}

// HandlerGetEnforcement returns the persisted per-user state and the
// outcome of the latest enforcement pass.
func HandlerGetEnforcement(c *gin.Context) {
	m := monitor.Default()
	if m == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "monitor not initialized"})
		return
	}
	engine := m.Engine()
	if engine == nil {
		c.JSON(http.StatusNotFound, response.Response{Detail: "enforcement is disabled"})
		return
	}

	states, err := engine.States(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: err.Error()})
		return
	}
	if states == nil {
		states = []model.EnforcementState{}
	}

	out := Status{Cluster: m.Checker().Config().Name, DryRun: engine.DryRun(), States: states}
	if cycle := m.Latest(); cycle != nil {
		out.CycleID = cycle.ID
		out.Last = cycle.Enforcement
	}
	count := len(states)
	c.JSON(http.StatusOK, response.Response{Count: &count, Results: out})
}
