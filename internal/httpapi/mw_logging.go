package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func AccessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := GetRequestID(r.Context())

		reqLog := log.With().
			Str("rid", rid).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()

		reqLog.Debug().Msg("request started")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := reqLog.Info()
		if rec.status >= http.StatusInternalServerError {
			ev = reqLog.Warn()
		}
		ev.Int("status", rec.status).
			Dur("dur", time.Since(start)).
			Msg("request completed")
	})
}
