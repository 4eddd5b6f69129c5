package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/changeroom/changeroom-api/internal/pkg/metrics"
	"github.com/changeroom/changeroom-api/internal/pkg/ratelimit"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
)

// RateLimit rejects requests once the caller's window is spent. Authenticated
// callers are keyed by user id, anonymous ones by client IP.
func RateLimit(limiter ratelimit.Limiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetUserID(r.Context())
			if key == "" {
				key = "ip:" + getClientIP(r)
			}

			decision, err := limiter.Allow(r.Context(), scope+":"+key)
			if err != nil {
				log.Warn().Err(err).Str("scope", scope).Msg("rate limiter error, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				metrics.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				response.TooManyRequests(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
