package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router serves the prometheus exposition of Gatherer, or of the default
// registry when nil.
type Router struct {
	Gatherer prometheus.Gatherer
}

func (rt Router) Register(r *gin.Engine) {
	g := rt.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))) // GET /metrics
}
