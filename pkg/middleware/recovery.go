package middleware

import (
	"net/http"
	"runtime/debug"

	apperrors "mongomigrate/pkg/errors"
	httputil "mongomigrate/pkg/http"
	"mongomigrate/pkg/logger"
)

func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("Panic recovered",
						"request_id", RequestID(r.Context()),
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)

					_ = httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{
						Code:  apperrors.CodeInternal,
						Error: "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
