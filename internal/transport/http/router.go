// Package httptransport assembles the public HTTP surface: the middleware chain, the
// operational endpoints and the authenticated /api/v1 routes.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"subsidy/internal/platform/metrics"
	platformmw "subsidy/internal/platform/middleware"
	"subsidy/pkg/platform/httputil"
	"subsidy/pkg/platform/middleware/auth"
	"subsidy/pkg/platform/middleware/metadata"
	"subsidy/pkg/platform/middleware/ratelimit"
	"subsidy/pkg/platform/middleware/request"
	"subsidy/pkg/platform/middleware/requesttime"
)

const (
	APIPrefix             = "/api/v1"
	defaultRequestTimeout = 30 * time.Second
	healthTimeout         = 2 * time.Second
)

// Registrar is implemented by every domain handler.
type Registrar interface {
	Register(r chi.Router)
}

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the pieces the router is built from. Nil optional fields are skipped.
type Deps struct {
	Logger         *slog.Logger
	Validator      auth.JWTValidator
	Metrics        *metrics.Metrics
	RateLimiter    *ratelimit.Middleware
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Clock          func() time.Time
	Health         map[string]HealthCheck
	Handlers       []Registrar
}

func NewRouter(d Deps) http.Handler {
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(request.Recovery(d.Logger))
	r.Use(request.RequestID)
	if d.Clock != nil {
		r.Use(requesttime.MiddlewareWithClock(d.Clock))
	} else {
		r.Use(requesttime.Middleware)
	}
	r.Use(metadata.ClientMetadata)
	r.Use(request.Logger(d.Logger))
	r.Use(platformmw.LatencyMiddleware(d.Metrics))

	r.Get("/health", healthHandler(d.Health))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(request.Timeout(timeout))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.RateLimit)
		}
		r.Use(auth.RequireAuth(d.Validator, d.Logger))
		for _, h := range d.Handlers {
			h.Register(r)
		}
	})
	return r
}

// healthHandler probes every dependency in parallel and answers 503 when any fails.
func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		errs := make(map[string]error, len(checks))
		g, gctx := errgroup.WithContext(ctx)
		type outcome struct {
			name string
			err  error
		}
		out := make(chan outcome, len(checks))
		for name, check := range checks {
			g.Go(func() error {
				out <- outcome{name: name, err: check(gctx)}
				return nil
			})
		}
		_ = g.Wait()
		close(out)
		for o := range out {
			errs[o.name] = o.err
		}

		status := http.StatusOK
		for name, err := range errs {
			if err != nil {
				results[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "up"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
