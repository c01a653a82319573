package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern accepted, keeping stray
// scanner traffic out of the metric label space.
const unmatchedRoute = "unmatched"

// probePaths are scraped every few seconds; successful hits are logged at
// debug level.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware instruments the ops HTTP server. Each request runs in a server
// span that continues any incoming W3C trace context and is named after the
// matched [http.ServeMux] pattern. The trace ID is echoed as X-Correlation-ID.
// Completion is recorded in [Metrics.HTTPRequestDuration] and logged.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			// The mux fills in Pattern on the request it is handed.
			req := r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)

			route := routeOf(req)
			span.SetName("HTTP " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.status),
			)

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
				),
			)
			logRequest(req, rec.status, elapsed)
		})
	}
}

// routeOf returns "METHOD /pattern" for a matched request. Patterns registered
// without a method are prefixed with the request method.
func routeOf(r *http.Request) string {
	switch {
	case r.Pattern == "":
		return r.Method + " " + unmatchedRoute
	case r.Pattern[0] == '/':
		return r.Method + " " + r.Pattern
	default:
		return r.Pattern
	}
}

func logRequest(r *http.Request, status int, elapsed time.Duration) {
	level := slog.LevelInfo
	if probePaths[r.URL.Path] && status < http.StatusBadRequest {
		level = slog.LevelDebug
	}
	ctx := r.Context()
	Logger(ctx).LogAttrs(ctx, level, "request completed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
	)
}
