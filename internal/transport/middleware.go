package transport

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

type RequestObserver interface {
	ObserveRequest(path string, status int, d time.Duration)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (lrw *loggingResponseWriter) WriteHeader(statusCode int) {
	lrw.status = statusCode
	lrw.ResponseWriter.WriteHeader(statusCode)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += int64(n)
	return n, err
}

func LogMiddleware(obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			if lrw.status == 0 {
				lrw.status = http.StatusOK
			}

			elapsed := time.Since(start)
			obs.ObserveRequest(routeLabel(r.URL.Path), lrw.status, elapsed)

			// Metrics scrapes and health probes would drown the log.
			level := slog.LevelInfo
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				level = slog.LevelDebug
			}
			slog.Log(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("url", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", lrw.status),
				slog.Int64("response_size", lrw.size),
				slog.String("duration", elapsed.String()),
			)
		})
	}
}

func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("panic in handler",
					slog.Any("panic", rec),
					slog.String("url", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routeLabel keeps the metrics path label bounded.
func routeLabel(path string) string {
	switch path {
	case pathNext, pathStatus, pathSubmit, pathAddTask, pathStats, pathHealth, pathMetrics, "/":
		return path
	}
	if strings.HasPrefix(path, pathPublic) {
		return pathPublic
	}
	return "other"
}
