package server

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
)

// RecoveryMiddleware returns a middleware that turns a handler panic into a
// logged 500 response.
func RecoveryMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("Recovered from panic", map[string]interface{}{
					"error":      rec,
					"stack":      string(debug.Stack()),
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"query":      r.URL.RawQuery,
				})

				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": http.StatusText(http.StatusInternalServerError),
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
