package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subsidy/internal/platform/metrics"
	request "subsidy/pkg/platform/middleware/request"
)

// LatencyMiddleware records request counts and durations labelled by chi route
// pattern, so /processes/{id} is one series regardless of the id.
func LatencyMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := request.Recorder(w)
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			m.ObserveRequest(route, r.Method, rec.Status(), start)
		})
	}
}
