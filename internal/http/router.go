package httpserver

import (
	"net/http"

	"github.com/iago/history-synth/internal/http/handlers"
	"github.com/iago/history-synth/internal/http/middleware"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API *handlers.API
	// Events streams completion signals over WebSocket. Nil disables the route.
	Events         http.Handler
	Metrics        http.Handler
	Logger         zerolog.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/jobs", deps.API.Jobs)
	mux.HandleFunc("/v1/jobs/", deps.API.JobStatus)
	if deps.Events != nil {
		mux.Handle("/v1/jobs/events", deps.Events)
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
