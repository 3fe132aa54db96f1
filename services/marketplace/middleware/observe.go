package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cryptobazaar/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Observe records request outcomes under module, labelled by the matched
// chi route pattern.
func Observe(module string) func(http.Handler) http.Handler {
	metrics := observability.ModuleMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			route := r.Method
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = r.Method + " " + pattern
				}
			}
			metrics.Observe(module, route, recorder.status, time.Since(start))
		})
	}
}
