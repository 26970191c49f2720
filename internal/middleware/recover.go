package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

type RecoverMiddleware struct {
	logger *slog.Logger
}

func NewRecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	rm := &RecoverMiddleware{
		logger: logger,
	}

	return rm.middleware
}

func (rm *RecoverMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			rm.logger.Error("Handler panicked",
				"request_id", RequestID(r.Context()),
				"path", r.URL.Path,
				"error", rec,
				"stack", string(debug.Stack()),
			)

			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}
