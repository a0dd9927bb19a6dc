package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// -- Test configuration --

// testVenice returns a venice config whose locators are all distinct, so the
// fake handle can tell every wait apart.
func testVenice() config.VeniceConfig {
	v := config.NewDefaultConfig().Venice
	v.Username = "user@example.com"
	v.Password = "hunter2"
	v.Locators = config.LocatorConfig{
		IdentifierID: "identifier",
		PasswordID:   "password",
		SignInSubmit: "//button[@id='sign-in']",
		ReadyMarker:  "//nav[@id='ready']",
		ProMarker:    "//span[text()='PRO']",
		ChatEntry:    "//button[@id='new-chat']",
		ChatInput:    "//textarea[@id='prompt']",
		ChatSubmit:   "//button[@id='send']",
	}
	return v
}

func testTiming() config.BridgeConfig {
	return config.BridgeConfig{
		WaitTimeout:       time.Second,
		StreamTimeout:     time.Second,
		PollInterval:      100 * time.Millisecond,
		ReadinessAttempts: 3,
		MaxAttempts:       2,
	}
}

func testInference() config.InferenceConfig {
	return config.InferenceConfig{
		DefaultModel:     "llama-3.1-405b-akash-api",
		ConversationType: "text",
		Temperature:      0.8,
		TopP:             0.9,
	}
}

// -- Fake clock --

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 8, 16, 18, 50, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// -- Fake browser handle --

// fakeHandle scripts a page. Evaluate dispatches on the script's protocol
// tag and round-trips results through JSON like the real handle does.
type fakeHandle struct {
	mu sync.Mutex

	calls    []string
	location string
	closed   int

	// absent locators fail every wait with a timeout.
	absent  map[browser.Locator]bool
	onClick func(h *fakeHandle, loc browser.Locator)
	failOp  map[string]error

	armRefused bool
	armed      []armArgs

	drains   []drainResult
	drainErr error
	drained  int

	shadows    []shadowResult
	shadowArgs []shadowArgs

	console []browser.ConsoleEntry
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		absent: map[browser.Locator]bool{},
		failOp: map[string]error{},
	}
}

func (h *fakeHandle) record(format string, args ...any) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *fakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHandle) count(prefix string) int {
	n := 0
	for _, c := range h.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("navigate %s", url)
	if err := h.failOp["navigate"]; err != nil {
		return err
	}
	h.location = url
	return ctx.Err()
}

func (h *fakeHandle) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("reload")
	if err := h.failOp["reload"]; err != nil {
		return err
	}
	return ctx.Err()
}

func (h *fakeHandle) Location(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("location")
	if err := h.failOp["location"]; err != nil {
		return "", err
	}
	return h.location, ctx.Err()
}

func (h *fakeHandle) Evaluate(ctx context.Context, script string, res any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	var out any
	switch tag := scriptTag(script); tag {
	case tagArm:
		h.record("evaluate arm")
		var args armArgs
		if err := scriptArgs(script, &args); err != nil {
			return err
		}
		h.armed = append(h.armed, args)
		out = !h.armRefused
	case tagDrain:
		h.record("evaluate drain")
		if h.drainErr != nil {
			return h.drainErr
		}
		if h.drained < len(h.drains) {
			out = h.drains[h.drained]
		} else {
			out = drainResult{Armed: true}
		}
		h.drained++
	case tagShadow:
		h.record("evaluate shadow")
		var args shadowArgs
		if err := scriptArgs(script, &args); err != nil {
			return err
		}
		h.shadowArgs = append(h.shadowArgs, args)
		if len(h.shadows) == 0 {
			out = shadowResult{}
		} else {
			out = h.shadows[0]
			if len(h.shadows) > 1 {
				h.shadows = h.shadows[1:]
			}
		}
	default:
		return errors.New("fake handle: unrecognized script")
	}

	if res == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, res)
}

func (h *fakeHandle) WaitFor(ctx context.Context, loc browser.Locator, cond browser.Condition, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("wait %s %s", loc, cond)
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.absent[loc] {
		return fmt.Errorf("%w: %s to be %s after %s", browser.ErrTimeout, loc, cond, timeout)
	}
	return nil
}

func (h *fakeHandle) Click(ctx context.Context, loc browser.Locator) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("click %s", loc)
	if err := h.failOp["click"]; err != nil {
		return err
	}
	if h.onClick != nil {
		h.onClick(h, loc)
	}
	return ctx.Err()
}

func (h *fakeHandle) SendKeys(ctx context.Context, loc browser.Locator, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("keys %s %q", loc, text)
	if err := h.failOp["keys"]; err != nil {
		return err
	}
	return ctx.Err()
}

func (h *fakeHandle) ConsoleLogs() []browser.ConsoleEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.console
	h.console = nil
	return out
}

func (h *fakeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

// scriptArgs decodes the JSON literal rendered into a protocol script.
func scriptArgs(script string, v any) error {
	i := strings.LastIndex(script, "})(")
	if i < 0 || !strings.HasSuffix(script, ")") {
		return errors.New("fake handle: script has no argument literal")
	}
	return json.Unmarshal([]byte(script[i+3:len(script)-1]), v)
}

// -- Fake launcher and authenticator --

type fakeLauncher struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	build    func(n int) *fakeHandle
	err      error
	launches int
}

func (l *fakeLauncher) Launch(ctx context.Context) (browser.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	mk := l.build
	if mk == nil {
		mk = func(int) *fakeHandle { return newFakeHandle() }
	}
	h := mk(l.launches)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) Handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Greater(t, len(l.handles), i, "launcher produced too few handles")
	return l.handles[i]
}

type fakeAuth struct {
	mu      sync.Mutex
	err     error
	signIns int
}

func (a *fakeAuth) Mode() config.AuthMode { return config.AuthCredentials }

func (a *fakeAuth) SignIn(ctx context.Context, h browser.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signIns++
	if a.err != nil {
		return a.err
	}
	return h.Navigate(ctx, "https://venice.ai/")
}

// -- Stream fixtures --

func contentLine(text string) string {
	raw, _ := json.Marshal(Record{Kind: kindContent, Content: mustRaw(text)})
	return string(raw) + "\n"
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// chunks turns strings into the byte chunks a drain returns.
func chunks(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

// collector gathers emitted events.
type collector struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *collector) emit(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if !e.Done {
			out = append(out, e.Text)
		}
	}
	return out
}

func (c *collector) terminal(t *testing.T) Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.events)
	last := c.events[len(c.events)-1]
	require.True(t, last.Done, "last event must be terminal")
	for _, e := range c.events[:len(c.events)-1] {
		require.False(t, e.Done, "only the last event may be terminal")
	}
	return last
}
