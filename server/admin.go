package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AdminRouter exposes health, metrics and test controls of s over HTTP.
//
//	GET /healthz                       liveness and lock holder
//	GET /metrics                       prometheus exposition
//	GET /config                        currently applied configuration
//	PUT /protocols/:name/state/:state  force a protocol state (up, start, down)
func AdminRouter(s *Server, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	started := time.Now()
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(started).String(),
			"acquired": s.Handler() != "",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/config", func(c *gin.Context) {
		c.String(http.StatusOK, s.Config())
	})
	r.PUT("/protocols/:name/state/:state", func(c *gin.Context) {
		state := c.Param("state")
		if state != StateUp && state != StateStart && state != StateDown {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state must be up, start or down"})
			return
		}
		if !s.SetProtocolState(c.Param("name"), state) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown protocol"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "state": state})
	})
	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("admin request")
	}
}
