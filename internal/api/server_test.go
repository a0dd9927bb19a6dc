package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/venice-bridge/internal/config"
)

func TestServer_RunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.NewDefaultConfig()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second
	s := NewServer(cfg, zaptest.NewLogger(t), Deps{Bridge: &fakeBridge{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunReportsListenFailure(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Server.Host = "256.0.0.1"
	s := NewServer(cfg, zaptest.NewLogger(t), Deps{Bridge: &fakeBridge{}})
	assert.Error(t, s.Run(context.Background()))
}

func TestServer_UnknownRouteIsNotFound(t *testing.T) {
	cfg := config.NewDefaultConfig()
	s := NewServer(cfg, zaptest.NewLogger(t), Deps{Bridge: &fakeBridge{}})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
