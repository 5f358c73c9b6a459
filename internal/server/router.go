package server

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fablecast/fablecast-backend/internal/handlers"
)

type RouterConfig struct {
	JobsHandler     *handlers.JobsHandler
	RealtimeHandler *handlers.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-User-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/jobs", cfg.JobsHandler.CreateJob)
		api.GET("/jobs", cfg.JobsHandler.ListJobs)
		api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
		api.GET("/jobs/:id/artifacts", cfg.JobsHandler.GetJobArtifacts)
		api.POST("/jobs/:id/resume", cfg.JobsHandler.ResumeJob)
		api.POST("/jobs/:id/cancel", cfg.JobsHandler.CancelJob)

		api.GET("/events", cfg.RealtimeHandler.SSEStream)
		api.POST("/events/subscribe", cfg.RealtimeHandler.SSESubscribe)
	}

	return router
}

func allowedOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if raw == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
