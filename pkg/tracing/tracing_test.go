package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/config"
)

func TestSamplerByName(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{typ: "always_off", want: "AlwaysOffSampler"},
		{typ: "always_on", want: "AlwaysOnSampler"},
		{typ: "", want: "AlwaysOnSampler"},
		{typ: "traceidratio", want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			s := sampler(config.SamplerConfig{Type: tt.typ, Param: 0.25})
			assert.Equal(t, tt.want, s.Description())
		})
	}

	s := sampler(config.SamplerConfig{Type: "parentbased_traceidratio", Param: 0.25})
	assert.Contains(t, s.Description(), "ParentBased{root:TraceIDRatioBased{0.25}")
}

func TestInitDisabledInstallsNoopExporter(t *testing.T) {
	tp, err := Init(config.TracingConfig{}, "rule-engine", "node-1")
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer("test"))
	assert.NoError(t, tp.Shutdown(context.Background()))
}
