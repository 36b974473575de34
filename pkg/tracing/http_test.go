package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestTracedSkipsOperationalRoutes(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{path: "/api/v1/chains", want: true},
		{path: "/health", want: false},
		{path: "/metrics", want: false},
		{path: "/swagger/index.html", want: false},
		{path: "/healthz", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, Traced(r))
		})
	}
}

func TestHTTPClientPropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	ctx, span := tp.Tracer("test").Start(context.Background(), "caller")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := HTTPClient(time.Second).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	span.End()

	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}
