package middleware

import (
	"net/http"
	"time"

	"github.com/git-hunters/githunters/internal/logging"
)

const (
	traceHeader   = "X-Trace-ID"
	maxTraceIDLen = 128
)

// TracingMiddleware propagates X-Trace-ID and writes one access log line per
// request. Probe paths such as /health are logged at debug level only.
type TracingMiddleware struct {
	logger *logging.Logger
	quiet  map[string]bool
}

// NewTracingMiddleware creates the middleware. quietPaths are exact paths
// kept out of the info-level access log.
func NewTracingMiddleware(logger *logging.Logger, quietPaths ...string) *TracingMiddleware {
	m := &TracingMiddleware{logger: logger, quiet: make(map[string]bool, len(quietPaths))}
	for _, p := range quietPaths {
		m.quiet[p] = true
	}
	return m
}

func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" || len(traceID) > maxTraceIDLen {
			traceID = logging.NewTraceID()
		}
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set(traceHeader, traceID)

		rec := record(w)
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		if m.quiet[r.URL.Path] && rec.status < http.StatusBadRequest {
			m.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": elapsed.Milliseconds(),
			}).Debug("probe")
			return
		}
		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rec.status, elapsed)
	})
}
