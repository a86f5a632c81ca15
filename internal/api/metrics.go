package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// metricsMiddleware records request metrics, labelled by route pattern so
// that path parameters do not explode cardinality.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)

		route := s.routeLabel(r)
		s.metrics.Requests.WithLabelValues(r.Method, route, strconv.Itoa(sr.code())).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) routeLabel(r *http.Request) string {
	pattern := ""
	if rc := chi.RouteContext(r.Context()); rc != nil {
		pattern = rc.RoutePattern()
	}
	if pattern != "/*" && pattern != "" {
		return pattern
	}
	if rt, ok := s.routes.Match(r.URL.Path); ok {
		return rt.Prefix
	}
	return "unmatched"
}
