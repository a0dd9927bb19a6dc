package cmd

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// runRoot executes a fresh command tree with args and returns its output.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if args == nil {
		// A nil slice makes cobra fall back to os.Args.
		args = []string{}
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// isolateEnv clears every variable that could leak host configuration into a test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"VENICE_USERNAME", "VENICE_PASSWORD", "VBRIDGE_VENICE_USERNAME", "VBRIDGE_VENICE_PASSWORD", "VBRIDGE_SERVER_PORT"} {
		t.Setenv(k, "")
	}
	t.Setenv("VBRIDGE_LOGGER_LEVEL", "error")
}

// testConfig is the default configuration with credentials and short waits.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Venice.Username = "user@example.com"
	cfg.Venice.Password = "hunter2"
	cfg.Bridge.WaitTimeout = time.Second
	cfg.Bridge.PollInterval = 10 * time.Millisecond
	cfg.Bridge.LoginInterval = 0
	return cfg
}

// stubHandle answers every browser call successfully and pretends to sit on
// the chat page.
type stubHandle struct {
	mu       sync.Mutex
	calls    int
	closed   atomic.Bool
	located  chan struct{}
	once     sync.Once
	location string
}

func newStubHandle() *stubHandle {
	return &stubHandle{located: make(chan struct{}), location: "https://venice.ai/chat"}
}

func (h *stubHandle) record() {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
}

func (h *stubHandle) Navigate(context.Context, string) error {
	h.record()
	return nil
}

func (h *stubHandle) Reload(context.Context) error {
	h.record()
	return nil
}

func (h *stubHandle) Location(context.Context) (string, error) {
	h.record()
	h.once.Do(func() { close(h.located) })
	return h.location, nil
}

func (h *stubHandle) Evaluate(context.Context, string, any) error {
	h.record()
	return nil
}

func (h *stubHandle) WaitFor(context.Context, browser.Locator, browser.Condition, time.Duration) error {
	h.record()
	return nil
}

func (h *stubHandle) Click(context.Context, browser.Locator) error {
	h.record()
	return nil
}

func (h *stubHandle) SendKeys(context.Context, browser.Locator, string) error {
	h.record()
	return nil
}

func (h *stubHandle) ConsoleLogs() []browser.ConsoleEntry {
	return nil
}

func (h *stubHandle) Close(context.Context) error {
	h.closed.Store(true)
	return nil
}

type launcherFunc func(ctx context.Context) (browser.Handle, error)

func (f launcherFunc) Launch(ctx context.Context) (browser.Handle, error) { return f(ctx) }

// useLauncher swaps the browser launcher for the duration of the test.
func useLauncher(t *testing.T, l browser.Launcher) {
	t.Helper()
	orig := launcherFactory
	launcherFactory = func(context.Context, config.BrowserConfig, *zap.Logger) browser.Launcher { return l }
	t.Cleanup(func() { launcherFactory = orig })
}

// parsedCommand returns a command carrying the given flags, already parsed.
func parsedCommand(t *testing.T, build func(*cobra.Command), args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "probe", RunE: func(*cobra.Command, []string) error { return nil }}
	build(c)
	if err := c.ParseFlags(args); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	return c
}
