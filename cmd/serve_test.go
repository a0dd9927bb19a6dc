package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/venice-bridge/internal/bridge"
	"github.com/xkilldash9x/venice-bridge/internal/browser"
)

var errNoBrowser = errors.New("no browser available")

func failingLauncher() browser.Launcher {
	return launcherFunc(func(context.Context) (browser.Handle, error) {
		return nil, errNoBrowser
	})
}

func stubLauncher(h *stubHandle) browser.Launcher {
	return launcherFunc(func(context.Context) (browser.Handle, error) {
		return h, nil
	})
}

func TestRunLogin_ReportsSession(t *testing.T) {
	h := newStubHandle()
	useLauncher(t, stubLauncher(h))

	var out bytes.Buffer
	err := runLogin(context.Background(), testConfig(), zaptest.NewLogger(t), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Signed in.")
	assert.Contains(t, out.String(), "mode:     credentials")
	assert.Contains(t, out.String(), "location: https://venice.ai/chat")
	assert.True(t, h.closed.Load(), "login must close the browser before exiting")
}

func TestRunLogin_LaunchFailure(t *testing.T) {
	useLauncher(t, failingLauncher())

	var out bytes.Buffer
	err := runLogin(context.Background(), testConfig(), zaptest.NewLogger(t), &out)
	require.Error(t, err)

	var authErr *bridge.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "launch", authErr.Stage)
	assert.ErrorIs(t, err, errNoBrowser)
	assert.Empty(t, out.String())
}

func TestRunLogin_MissingCredentials(t *testing.T) {
	h := newStubHandle()
	useLauncher(t, stubLauncher(h))

	cfg := testConfig()
	cfg.Venice.Password = ""
	err := runLogin(context.Background(), cfg, zaptest.NewLogger(t), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrNoCredentials)
	assert.True(t, h.closed.Load())
}

func TestRunServe_InitialSignInFailure(t *testing.T) {
	useLauncher(t, failingLauncher())

	err := runServe(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial sign-in failed")
	assert.ErrorIs(t, err, errNoBrowser)
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	h := newStubHandle()
	useLauncher(t, stubLauncher(h))

	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, zaptest.NewLogger(t)) }()

	select {
	case <-h.located:
	case err := <-done:
		t.Fatalf("serve exited before signing in: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("sign-in never completed")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.True(t, h.closed.Load(), "shutdown must close the browser")
}

func TestServeCmd_RejectsArguments(t *testing.T) {
	isolateEnv(t)
	_, err := runRoot(t, "serve", "extra")
	assert.Error(t, err)
}
