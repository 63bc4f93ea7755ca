package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware instruments every request with the HTTP metric
// families and an optional span. Download paths are collapsed to a route
// template before labeling so per-file URLs cannot mint unbounded metric
// series.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := routeLabel(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), r.Method+" "+route,
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", route),
					))
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}

			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if err != nil || code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
				span.End()
			}

			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// routeLabel maps a request path onto its route template. File and export
// downloads embed user-chosen names in the path; the stored-name segment
// is replaced with a placeholder.
func routeLabel(path string) string {
	for _, prefix := range []string{"/v1/files/", "/v1/exports/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + ":name"
		}
	}
	return path
}
