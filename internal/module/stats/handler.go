package stats

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	str2duration "github.com/xhit/go-str2duration/v2"

	"gpuquota/internal/monitor"
	"gpuquota/internal/pkg/client/slurmctl"
	"gpuquota/internal/pkg/common/response"
	"gpuquota/internal/pkg/model"
	analysis "gpuquota/internal/stats"
)

// Query holds the stats query parameters.
type Query struct {
	Period         string  `form:"period"`
	Group          string  `form:"group"`
	Groups         string  `form:"groups"`
	SmallThreshold float64 `form:"small_threshold"`
	Compare        *bool   `form:"compare"`
}

// Options converts the query into analysis options.
func (q Query) Options() (analysis.Options, error) {
	opts := analysis.DefaultOptions()
	if q.Period != "" {
		d, err := str2duration.ParseDuration(q.Period)
		if err != nil || d <= 0 {
			return opts, errInvalid("period", q.Period)
		}
		opts.Period = d
	}
	switch analysis.GroupBy(q.Group) {
	case "":
	case analysis.GroupPartition, analysis.GroupQoS:
		opts.GroupBy = analysis.GroupBy(q.Group)
	default:
		return opts, errInvalid("group", q.Group)
	}
	for _, g := range strings.Split(q.Groups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			opts.Groups = append(opts.Groups, g)
		}
	}
	if q.SmallThreshold < 0 {
		return opts, errInvalid("small_threshold", strconv.FormatFloat(q.SmallThreshold, 'f', -1, 64))
	}
	if q.SmallThreshold > 0 {
		opts.SmallThreshold = q.SmallThreshold
	}
	if q.Compare != nil {
		opts.Compare = *q.Compare
	}
	return opts, nil
}

type invalidParam struct{ name, value string }

func (e invalidParam) Error() string { return "invalid " + e.name + ": " + strconv.Quote(e.value) }

func errInvalid(name, value string) error { return invalidParam{name, value} }

// HandlerGetStats runs a fresh two-period analysis against the monitor's
// job source. Capacity comes from scontrol when a Slurm client is set.
func HandlerGetStats(c *gin.Context) {
	m := monitor.Default()
	if m == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "monitor not initialized"})
		return
	}

	var q Query
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	opts, err := q.Options()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	var capacity analysis.CapacitySource
	if sc := slurmctl.Default(); sc != nil {
		capacity = sc
	}
	rep, err := analysis.Collect(c.Request.Context(), m.Source(), capacity, model.JobFilter{}, time.Now(), opts)
	if err != nil {
		c.JSON(http.StatusBadGateway, response.Response{Detail: err.Error()})
		return
	}
	count := len(rep.Groups)
	c.JSON(http.StatusOK, response.Response{Count: &count, Results: rep})
}
