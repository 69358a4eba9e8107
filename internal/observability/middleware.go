package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// RequestMiddleware wraps an okapi handler with an in-flight gauge, the
// request counter and latency histogram, and one span per request. Both
// metrics and ts may be nil.
func RequestMiddleware(metrics *MetricsCollector, ts *TracerSetup) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			_, span, end := ts.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			)

			if metrics != nil {
				metrics.ActiveRequests.Inc()
			}
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)
			if metrics != nil {
				metrics.ActiveRequests.Dec()
			}

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(code))
			spanErr := err
			if spanErr == nil && code >= http.StatusInternalServerError {
				spanErr = fmt.Errorf("status %d", code)
			}
			end(spanErr)

			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(elapsed.Seconds())
			}
			return err
		}
	}
}
