package telemetry

import (
	"net/http"
	"time"

	"github.com/openlearn/offline_manager/internal/logctx"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the status code and delegates to the underlying ResponseWriter.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return // Prevent multiple WriteHeader calls
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

// Write captures implicit 200 OK if WriteHeader was not called.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	return rw.ResponseWriter.Write(b)
}

// HTTPLogging logs each local API request, at a level matching the status
// code, and records request metrics on the given Telemetry.
func HTTPLogging(t *Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := logctx.LoggerFromContext(ctx)
			start := time.Now()

			if t != nil {
				t.IncrementHTTPInFlight()
				defer t.DecrementHTTPInFlight()
			}

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			status := wrapped.status
			requestID := GetRequestID(ctx)

			if t != nil {
				t.RecordHTTPRequest(r.Method, r.URL.Path, statusClass(status), duration)
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"request_id", requestID,
			}

			switch {
			case status >= 500:
				logger.ErrorContext(ctx, "http request completed", attrs...)
			case status >= 400:
				logger.WarnContext(ctx, "http request completed", attrs...)
			default:
				logger.InfoContext(ctx, "http request completed", attrs...)
			}
		})
	}
}

// statusClass returns the status class (2xx, 3xx, 4xx, 5xx) for a status code.
func statusClass(statusCode int) string {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return "2xx"
	case statusCode >= http.StatusMultipleChoices && statusCode < http.StatusBadRequest:
		return "3xx"
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return "4xx"
	case statusCode >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
