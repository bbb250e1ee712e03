package stats

import "github.com/gin-gonic/gin"

type Router struct{}

func (Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", HandlerGetStats) // GET /api/v1/stats?period=30d&group=partition&groups=xxx&small_threshold=50&compare=true
	}
}
