package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/changeroom/changeroom-api/internal/pkg/logger"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
)

// Recover turns a handler panic into a 500 envelope. The panic is logged with
// the request-scoped logger, so the line carries http_request_id and can be
// matched to the caller's X-Request-ID. http.ErrAbortHandler is re-raised.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			logger.FromContext(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("handler panicked")

			response.InternalError(w)
		}()

		next.ServeHTTP(w, r)
	})
}
