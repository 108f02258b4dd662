package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder запоминает код ответа обработчика.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap нужен http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// RequestLogger логирует запросы к служебному серверу.
// Успешные пробы и scrape — DEBUG. 503 от /health/ready — WARN:
// это штатное состояние при недоступном источнике или D2L.
// Прочие 4xx — WARN, 5xx — ERROR.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	log := logger.With(slog.String("component", "ops_http"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			var level slog.Level
			switch {
			case rec.status == http.StatusServiceUnavailable && r.URL.Path == "/health/ready":
				level = slog.LevelWarn
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			default:
				level = slog.LevelDebug
			}

			log.LogAttrs(r.Context(), level, "HTTP запрос",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
