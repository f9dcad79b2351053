package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupNone(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok, "expected noop provider, got %T", otel.GetTracerProvider())
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "stdout", &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "relay.run")
	span.SetAttributes(StringAttr("model", "loopback"), IntAttr("segments", 2))
	RecordError(span, errors.New("boom"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "relay.run")
	assert.Contains(t, buf.String(), "boom")

	_, _ = Setup(context.Background(), "none", nil)
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), "jaeger", nil)
	assert.Error(t, err)
}
