package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/e7canasta/flame-avsim/internal/metrics"
)

// RateLimit bounds requests per client IP over a sliding window.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultControlLimit applies to the command routes.
var DefaultControlLimit = RateLimit{Requests: 60, Window: time.Minute}

func (l RateLimit) middleware() func(http.Handler) http.Handler {
	if l.Requests <= 0 {
		l = DefaultControlLimit
	}
	if l.Window <= 0 {
		l.Window = time.Minute
	}
	return httprate.Limit(
		l.Requests,
		l.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRateLimitedTotal.WithLabelValues(route).Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.Window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		}),
	)
}
