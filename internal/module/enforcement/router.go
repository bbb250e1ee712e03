package enforcement

import "github.com/gin-gonic/gin"

type Router struct{}

func (Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/enforcement", HandlerGetEnforcement) // GET /api/v1/enforcement
	}
}
