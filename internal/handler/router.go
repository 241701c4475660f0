package handler

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the full HTTP surface
func NewRouter(h *TaskHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/livez", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tasks := router.Group("/tasks")
	{
		tasks.POST("/process", h.Process)
		tasks.GET("/:job_id/status", h.Status)
		tasks.GET("/:job_id/download", h.Download)
		tasks.POST("/:job_id/publish", h.Publish)
	}

	stages := router.Group("/stages")
	{
		stages.POST("/separate/retry", h.SeparateRetry)
		stages.POST("/midi/upload", h.MIDIUpload)
		stages.POST("/lyrics/upload", h.LyricsUpload)
		stages.POST("/synthesize/retry", h.SynthesizeRetry)
	}

	projects := router.Group("/projects")
	{
		projects.GET("/featured", h.Featured)
		projects.GET("/recent", h.Recent)
		projects.GET("/:project_id/artifacts", h.Artifacts)
		projects.GET("/:project_id/:stage/:filename", h.ProjectFile)
	}

	showcase := router.Group("/showcase")
	{
		showcase.GET("", h.Showcase)
		showcase.GET("/:public_id/preview", h.ShowcasePreview)
		showcase.GET("/:public_id/result", h.ShowcaseResult)
	}

	router.POST("/admin/feature-project", h.FeatureProject)

	return router
}
