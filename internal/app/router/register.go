package router

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Registrar is implemented by every module that serves routes.
type Registrar interface{ Register(r *gin.Engine) }

// Modules to mount, in registration order.
var registrars []Registrar

func Register(rs ...Registrar) { registrars = append(registrars, rs...) }

func MountAll(r *gin.Engine) {
	for _, rg := range registrars {
		rg.Register(r)
	}
}

// New returns a gin engine with panic recovery and slog access logging.
func New(logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(logger))
	return r
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}
