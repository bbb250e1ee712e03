package slurmctld

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gpuquota/internal/pkg/client/slurmctl"
	"gpuquota/internal/pkg/common/response"
	"gpuquota/internal/pkg/model"
	"gpuquota/internal/stats"
)

// PartitionGPUs is a partition with its configured GPU count.
type PartitionGPUs struct {
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
	Nodes string `json:"nodes,omitempty"`
	TRES  string `json:"tres,omitempty"`
	GPUs  int    `json:"gpus"`
}

func partitionGPUs(p slurmctl.Partition) PartitionGPUs {
	return PartitionGPUs{Name: p["PartitionName"], State: p["State"], Nodes: p["Nodes"], TRES: p["TRES"], GPUs: p.GPUs()}
}

// HandlerGetJob returns a job record with its CPU and memory efficiency.
func HandlerGetJob(c *gin.Context) {
	client := slurmctl.Default()
	if client == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "slurmctl client not initialized"})
		return
	}

	jobid := strings.TrimSpace(c.Query("jobid"))
	if jobid == "" {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "missing jobid parameter"})
		return
	}

	job, err := client.FetchJob(c.Request.Context(), jobid)
	if errors.Is(err, slurmctl.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, response.Response{Detail: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.Response{Results: stats.JobEfficiency(*job, time.Now())})
}

// HandlerGetAllPartitions lists partitions with their GPU count (paged by
// default).
func HandlerGetAllPartitions(c *gin.Context) {
	client := slurmctl.Default()
	if client == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "slurmctl client not initialized"})
		return
	}

	parts, err := client.Partitions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: err.Error()})
		return
	}
	list := make([]PartitionGPUs, 0, len(parts))
	for _, p := range parts {
		list = append(list, partitionGPUs(p))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	var pq model.PagingQuery
	if err := c.ShouldBindQuery(&pq); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}
	if err := pq.Normalize(); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}
	c.JSON(http.StatusOK, response.Page(c.Request.URL, pq, list))
}

// HandlerGetPartition returns one partition by name.
func HandlerGetPartition(c *gin.Context) {
	client := slurmctl.Default()
	if client == nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: "slurmctl client not initialized"})
		return
	}

	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "missing name parameter"})
		return
	}

	parts, err := client.Partitions(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Response{Detail: err.Error()})
		return
	}
	if len(parts) == 0 {
		c.JSON(http.StatusNotFound, response.Response{Detail: "partition not found"})
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: partitionGPUs(parts[0])})
}
