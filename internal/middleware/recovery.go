package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/telemock/internal/apierror"
)

// Recovery turns handler panics into a logged 500 JSON error.
//
// http.ErrAbortHandler is re-raised: ReverseProxy uses it to abort a
// forwarded response mid-copy, and the server handles it by closing the
// connection without logging.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic recovered",
					"error", v,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"host", r.Host,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
