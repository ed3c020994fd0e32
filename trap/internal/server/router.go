// Package server assembles the HTTP router and middleware chain.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/common/middleware"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/handlers"
)

// Options configures the router's middleware.
type Options struct {
	// Auth, when set, guards every /api/v1/ route.
	Auth   *middleware.TokenAuth
	CORS   middleware.CORSConfig
	Logger *logging.Logger
}

// NewRouter constructs a ServeMux with the trap API routes registered.
func NewRouter(h *handlers.Handler, opts Options) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/events", h.Events)
	api.HandleFunc("/api/v1/stats", h.Stats)
	api.HandleFunc("/api/v1/export", h.Export)

	var apiHandler http.Handler = api
	if opts.Auth != nil {
		apiHandler = opts.Auth.RequireAuth(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", apiHandler)
	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", promhttp.Handler())

	if len(opts.CORS.AllowedOrigins) == 0 {
		opts.CORS = middleware.DefaultCORSConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return middleware.RequestID(accessLog(logger.Component("http"), middleware.CORS(opts.CORS)(mux)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.DebugContext(r.Context(), "request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(rec.status),
			logging.Duration(time.Since(start)))
	})
}
