package tracing_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	. "peerelect/pkg/observability"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("peer"))
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, span := p.Tracer().Start(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, TraceID(ctx), "noop spans carry no trace id")
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSamplerFor(t *testing.T) {
	assert.True(t, strings.Contains(SamplerFor(1).Description(), "AlwaysOnSampler"))
	assert.True(t, strings.Contains(SamplerFor(0).Description(), "AlwaysOffSampler"))
	assert.True(t, strings.Contains(SamplerFor(0.25).Description(), "TraceIDRatioBased{0.25}"))
}

func TestTraceID_RecordingSpan(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Len(t, TraceID(ctx), 32)
}
