package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/image-pipeline/internal/api/handlers/job"
	"github.com/aliskhannn/image-pipeline/internal/api/middleware"
)

// Setup registers the job routes under /api and the health check.
func Setup(h *job.Handler, corsOrigin string) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware(corsOrigin))
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", h.Health)

	api := r.Group("/api")

	api.POST("/jobs", h.Create)                     // submitting a job
	api.GET("/jobs", h.List)                        // listing jobs, newest first
	api.GET("/jobs/:jobId", h.Get)                  // getting job by id
	api.GET("/jobs/:jobId/signed-url", h.SignedURL) // download link for the result

	return r
}
