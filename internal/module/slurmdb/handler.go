package slurmdb

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gpuquota/internal/monitor"
	slurmdbc "gpuquota/internal/pkg/client/slurmdb"
	"gpuquota/internal/pkg/common/response"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/quota"
)

type jobSource interface {
	FetchJobs(ctx context.Context, f model.JobFilter) (model.Jobs, error)
}

// source prefers a direct slurmdbd connection and falls back to whatever
// the monitor reads from.
func source() jobSource {
	if db := slurmdbc.Default(); db != nil {
		return db
	}
	if m := monitor.Default(); m != nil && m.Source() != nil {
		return m.Source()
	}
	return nil
}

// JobQuery selects accounting records. Scope fields left empty fall back to
// the monitored cluster's scope; start and end default to its rolling
// window.
type JobQuery struct {
	model.PagingQuery
	User      string `form:"user"`
	QoS       string `form:"qos"`
	Account   string `form:"account"`
	Partition string `form:"partition"`
	Start     string `form:"start"`
	End       string `form:"end"`
}

// AccountingJob is a job record with the GPU-hours it contributes to the
// requested window.
type AccountingJob struct {
	model.JobRecord
	GPUHours float64 `json:"gpu_hours"`
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", time.DateOnly}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("invalid time " + s)
}

func (q JobQuery) filter(now time.Time) (model.JobFilter, error) {
	f := model.JobFilter{
		User:      strings.TrimSpace(q.User),
		QoS:       q.QoS,
		Account:   q.Account,
		Partition: q.Partition,
	}
	if m := monitor.Default(); m != nil {
		cfg := m.Checker().Config()
		if f.QoS == "" {
			f.QoS = cfg.QoS
		}
		if f.Account == "" {
			f.Account = cfg.Account
		}
		if f.Partition == "" {
			f.Partition = cfg.Partition
		}
		f.Start, f.End = m.Checker().Window(now)
	} else {
		f.Start, f.End = quota.Window(now, 30)
	}

	var err error
	if q.Start != "" {
		if f.Start, err = parseTime(q.Start); err != nil {
			return f, err
		}
	}
	if q.End != "" {
		if f.End, err = parseTime(q.End); err != nil {
			return f, err
		}
	}
	if !f.End.After(f.Start) {
		return f, errors.New("end must be after start")
	}
	return f, nil
}

// HandlerGetAccountingJobs lists the accounting records of a window, newest
// submissions first, paged.
func HandlerGetAccountingJobs(c *gin.Context) {
	src := source()
	if src == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "job source not initialized"})
		return
	}

	var q JobQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}
	if err := q.Normalize(); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}
	f, err := q.filter(time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	jobs, err := src.FetchJobs(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusBadGateway, response.Response{Detail: err.Error()})
		return
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].Submit.Equal(jobs[k].Submit) {
			return jobs[i].Submit.After(jobs[k].Submit)
		}
		return jobs[i].ID > jobs[k].ID
	})

	results := make([]AccountingJob, 0, len(jobs))
	for _, j := range jobs {
		results = append(results, AccountingJob{JobRecord: j, GPUHours: quota.Contribution(j, f.Start, f.End)})
	}
	c.JSON(http.StatusOK, response.Page(c.Request.URL, q.PagingQuery, results))
}
