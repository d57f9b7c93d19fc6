package http

import (
	"net/http"

	"github.com/dkeye/callcontrol/internal/app/orch"
	"github.com/dkeye/callcontrol/internal/config"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Session is the part of the orchestrator exposed over HTTP.
type Session interface {
	Status() orch.Status
	Healthy() bool
	SetTargetDisplaySize(sourceID string, size domain.TargetDisplaySize) error
	Leave(reason string)
}

type displaySizeRequest struct {
	Size string `json:"size" binding:"required"`
}

type leaveRequest struct {
	Reason string `json:"reason"`
}

func SetupRouter(cfg *config.Config, s Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if !s.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": s.Status().State})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.PUT("/sources/:id/display-size", func(c *gin.Context) {
		var req displaySizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		size, err := domain.ParseTargetDisplaySize(req.Size)
		if err == nil {
			err = s.SetTargetDisplaySize(c.Param("id"), size)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("source", c.Param("id")).Str("size", size.String()).Msg("display size hint")
		c.Status(http.StatusNoContent)
	})

	api.POST("/leave", func(c *gin.Context) {
		var req leaveRequest
		// An empty body is a leave without a reason.
		_ = c.ShouldBindJSON(&req)
		if req.Reason == "" {
			req.Reason = "requested over http"
		}
		s.Leave(req.Reason)
		c.Status(http.StatusAccepted)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
