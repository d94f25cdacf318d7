// Package httpapi is the thin HTTP adapter in front of the pipeline:
// producer ingestion, log queries, health, metrics and the WebSocket
// upgrade endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports service details for GET /health. An error turns the
// response into a 503.
type HealthFunc func(ctx context.Context) (any, error)

func NewServer(addr string) (*gin.Engine, *http.Server) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r, srv
}

// RegisterOps wires /health, /metrics and, when ws is non-nil, /ws.
func RegisterOps(r *gin.Engine, health HealthFunc, reg *prometheus.Registry, ws http.HandlerFunc) {
	r.GET("/health", func(c *gin.Context) {
		if health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		details, err := health(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "details": details})
	})

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	if ws != nil {
		r.GET("/ws", gin.WrapF(ws))
	}
}
