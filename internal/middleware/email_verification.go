package middleware

import (
	"net/http"
	"strings"

	"github.com/changeroom/changeroom-api/internal/pkg/response"
)

// RequireVerifiedEmail blocks access for authenticated users with unverified email,
// except for whitelisted paths.
func RequireVerifiedEmail(whitelist []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			for _, allowed := range whitelist {
				if path == allowed || strings.HasPrefix(path, allowed) {
					next.ServeHTTP(w, r)
					return
				}
			}

			id, ok := GetIdentity(r.Context())
			if !ok {
				response.Unauthorized(w, "Authentication required")
				return
			}

			if !id.EmailVerified {
				response.Error(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Email is not verified")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
