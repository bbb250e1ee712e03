package usage

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/common/response"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
)

// UserUsage is a usage report with its optional forecast.
type UserUsage struct {
	model.UsageReport
	Forecast []model.ForecastPoint `json:"forecast,omitempty"`
}

func latest(c *gin.Context) (*monitor.Monitor, *monitor.Cycle, bool) {
	m := monitor.Default()
	if m == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "monitor not initialized"})
		return nil, nil, false
	}
	cycle := m.Latest()
	if cycle == nil {
		c.JSON(http.StatusServiceUnavailable, response.Response{Detail: "no completed monitor cycle yet"})
		return nil, nil, false
	}
	return m, cycle, true
}

// HandlerListUsage lists per-user reports of the latest cycle, heaviest
// users first, optionally filtered by comma separated statuses.
func HandlerListUsage(c *gin.Context) {
	_, cycle, ok := latest(c)
	if !ok {
		return
	}

	var pq model.PagingQuery
	if err := c.ShouldBindQuery(&pq); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}
	if err := pq.Normalize(); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}

	list := cycle.Reports
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		want := make(map[model.Status]bool)
		for _, s := range strings.Split(raw, ",") {
			want[model.Status(strings.TrimSpace(s))] = true
		}
		filtered := make([]model.UsageReport, 0, len(list))
		for _, r := range list {
			if want[r.Status] {
				filtered = append(filtered, r)
			}
		}
		list = filtered
	}

	c.JSON(http.StatusOK, response.Page(c.Request.URL, pq, list))
}

// HandlerGetUsage returns one user's report. Users without jobs in the
// window get a zero-usage report.
func HandlerGetUsage(c *gin.Context) {
	m, cycle, ok := latest(c)
	if !ok {
		return
	}
	user := strings.TrimSpace(c.Param("user"))

	out := UserUsage{}
	if r, found := cycle.Report(user); found {
		out.UsageReport = r
	} else {
		out.UsageReport = m.Checker().Report(nil, user, cycle.Now)
	}

	if withForecast, _ := strconv.ParseBool(c.Query("forecast")); withForecast {
		if points, ok := m.Checker().Forecast(cycle.Jobs(), user, cycle.Now, quota.DefaultHorizons); ok {
			out.Forecast = points
		}
	}
	c.Header("Last-Modified", cycle.Now.UTC().Format(http.TimeFormat))
	c.JSON(http.StatusOK, response.Response{Results: out})
}
