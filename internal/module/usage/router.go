package usage

import "github.com/gin-gonic/gin"

type Router struct{}

func (Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/usage")
		g.GET("", HandlerListUsage)      // GET /api/v1/usage?status=xxx&page=xxx&page_size=xxx
		g.GET("/:user", HandlerGetUsage) // GET /api/v1/usage/:user?forecast=true
	}
}
