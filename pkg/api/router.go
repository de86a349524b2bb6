package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts the statistics and resolve endpoints under /api/v1
func NewRouter(h *Handler, log *logrus.Entry) *mux.Router {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(log))
	router.Use(RecoverMiddleware(log))

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	handle(router, "/healthz", http.MethodGet, h.HealthHandler)

	apiV1 := router.PathPrefix("/api/v1").Subrouter()
	handle(apiV1, "/healthz", http.MethodGet, h.HealthHandler)
	handle(apiV1, "/resolve", http.MethodPost, h.ResolveHandler)

	stats := apiV1.PathPrefix("/stats").Subrouter()
	handle(stats, "/overall", http.MethodGet, h.OverallHandler)
	handle(stats, "/success-rate", http.MethodGet, h.SuccessRateHandler)
	handle(stats, "/top-blocked", http.MethodGet, h.TopBlockedHandler)
	handle(stats, "/status-distribution", http.MethodGet, h.StatusDistributionHandler)
	handle(stats, "/hourly-trend", http.MethodGet, h.HourlyTrendHandler)
	handle(stats, "/processing-time", http.MethodGet, h.ProcessingTimeHandler)
	handle(stats, "/recent-failures", http.MethodGet, h.RecentFailuresHandler)
	handle(stats, "/search", http.MethodGet, h.SearchHandler)
	handle(stats, "/best-strategy/{domain}", http.MethodGet, h.BestStrategyHandler)

	return router
}

// handle registers fn for method on path. Any other method on the same path gets a JSON 405;
// a subrouter mounted with PathPrefix would otherwise answer 404.
func handle(r *mux.Router, path, method string, fn http.HandlerFunc) {
	r.HandleFunc(path, fn).Methods(method)
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", method)
		methodNotAllowed(w, req)
	})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// NewServer wraps router in an http.Server with conservative timeouts.
// WriteTimeout leaves room for a resolve that walks every strategy.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      4 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}
