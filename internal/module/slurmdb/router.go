package slurmdb

import (
	"github.com/gin-gonic/gin"
)

type Router struct{}

func (Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/slurm/accounting")
	{
		v1.GET("/job/all", HandlerGetAccountingJobs) // GET /api/v1/slurm/accounting/job/all?user=xxx&qos=xxx&start=xxx&end=xxx&page=xxx&page_size=xxx
	}
}
