package ldap

import (
	"github.com/gin-gonic/gin"
)

type Router struct{}

func (Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/ldap")
	{
		v1.GET("/user/:uid/mail", HandlerGetUserMail) // GET /api/v1/ldap/user/:uid/mail
	}
}
