package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSHandler allows the web client to call the API from allowedOrigins. The
// try-on upload sends Idempotency-Key, and clients read X-Request-ID and
// Retry-After from responses. Credentials are only allowed with an explicit
// origin list, never with "*".
func CORSHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: !wildcard,
		MaxAge:           600,
	})
}
