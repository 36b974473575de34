package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// untraced are routes polled by infrastructure rather than called by users.
var untraced = []string{"/health", "/metrics", "/swagger/"}

// GinMiddleware traces admin API requests, skipping health checks, metric
// scrapes and the API browser.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName, otelgin.WithFilter(Traced))
}

// Traced reports whether a server span is recorded for r.
func Traced(r *http.Request) bool {
	for _, p := range untraced {
		if r.URL.Path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(r.URL.Path, p)) {
			return false
		}
	}
	return true
}

// HTTPClient returns a client whose outgoing requests are client spans and
// carry the caller's trace context.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
