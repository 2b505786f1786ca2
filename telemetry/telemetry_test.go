package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirpline/newsfeed/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	ctx2, log, shutdown, err := New(ctx, "newsfeed-test", server.URL, "token", nil)
	require.NoError(t, err)
	require.NotNil(t, ctx2)
	require.NotNil(t, log)
	log.Info("hello")
	shutdown()

	console := logger.NewTestLogger()
	_, log2, shutdown2, err := New(ctx, "newsfeed-test", server.URL, "", console)
	require.NoError(t, err)
	log2.Warn("stacked")
	shutdown2()
	assert.Equal(t, 1, console.Count("WARNING", "stacked"))
}

func TestNewWithInvalidURL(t *testing.T) {
	for _, bad := range []string{"://invalid-url", "collector:4318"} {
		ctx, log, shutdown, err := New(context.Background(), "newsfeed-test", bad, "", nil)
		assert.Error(t, err)
		assert.Nil(t, ctx)
		assert.Nil(t, log)
		assert.Nil(t, shutdown)
		assert.Contains(t, err.Error(), "error parsing otlpServerURL")
	}
}

func TestStartSpan(t *testing.T) {
	log := logger.NewTestLogger()
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx, log2, span := StartSpan(context.Background(), log, tracer, "test-span")
	require.NotNil(t, ctx)
	require.NotNil(t, log2)
	require.NotNil(t, span)
	span.End()
}
