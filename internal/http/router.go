package httpserver

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/iago/download-jobs/internal/http/handlers"
	"github.com/iago/download-jobs/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.Trace(deps.Logger))
	router.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	}))
	router.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))
	router.Use(middleware.Auth(deps.AuthToken))

	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)

	router.Get("/healthz", deps.API.Health)
	router.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", deps.API.CreateJob)
		r.Get("/jobs/{jobID}", deps.API.JobStatus)
		r.Post("/jobs/{jobID}/cancel", deps.API.CancelJob)
		r.Get("/artifacts/{ref}", deps.API.DownloadArtifact)
	})

	return router
}
