package browser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/venice-bridge/internal/browser/stealth"
	"github.com/xkilldash9x/venice-bridge/internal/config"
	"go.uber.org/zap"
)

// chromeHandle drives one Chromium tab over the DevTools protocol.
type chromeHandle struct {
	ctx         context.Context // tab context, carries the chromedp target
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *zap.Logger
	console     *consoleBuffer
	closed      atomic.Bool

	// Swapped out in tests.
	runActions func(ctx context.Context, actions ...chromedp.Action) error
	shutdown   func(ctx context.Context) error
}

func newChromeHandle(tabCtx context.Context, cancelTab, cancelAlloc context.CancelFunc, logger *zap.Logger) *chromeHandle {
	return &chromeHandle{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		logger:      logger,
		console:     newConsoleBuffer(defaultConsoleCapacity),
		runActions:  chromedp.Run,
		shutdown:    chromedp.Cancel,
	}
}

func (l Locator) queryOption() chromedp.QueryOption {
	switch l.By {
	case ByID:
		return chromedp.ByID
	case ByXPath:
		return chromedp.BySearch
	default:
		return chromedp.ByQuery
	}
}

// run executes actions against the tab, bounded by both the tab's lifetime
// and the caller's ctx.
func (h *chromeHandle) run(ctx context.Context, actions ...chromedp.Action) error {
	if h.closed.Load() {
		return ErrClosed
	}
	opCtx, cancel := CombineContext(h.ctx, ctx)
	defer cancel()
	return h.runActions(opCtx, actions...)
}

func (h *chromeHandle) Navigate(ctx context.Context, url string) error {
	if err := h.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (h *chromeHandle) Reload(ctx context.Context) error {
	if err := h.run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (h *chromeHandle) Location(ctx context.Context) (string, error) {
	var loc string
	if err := h.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (h *chromeHandle) Evaluate(ctx context.Context, script string, res any) error {
	// Raw bytes sidestep chromedp's undefined/null errors; scripts that
	// return nothing are fine when res is nil.
	var raw []byte
	err := h.run(ctx, chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return decodeResult(raw, res)
}

func decodeResult(raw []byte, res any) error {
	if res == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return fmt.Errorf("decode script result: %w", err)
	}
	return nil
}

func (h *chromeHandle) WaitFor(ctx context.Context, loc Locator, cond Condition, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opt := loc.queryOption()
	var actions []chromedp.Action
	switch cond {
	case Present:
		actions = append(actions, chromedp.WaitReady(loc.Value, opt))
	case Visible:
		actions = append(actions, chromedp.WaitVisible(loc.Value, opt))
	case Clickable:
		actions = append(actions, chromedp.WaitVisible(loc.Value, opt), chromedp.WaitEnabled(loc.Value, opt))
	default:
		return fmt.Errorf("wait for %s: unknown condition %s", loc, cond)
	}

	err := h.run(waitCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s to be %s after %s", ErrTimeout, loc, cond, timeout)
	}
	return fmt.Errorf("wait for %s: %w", loc, err)
}

func (h *chromeHandle) Click(ctx context.Context, loc Locator) error {
	if err := h.run(ctx, chromedp.Click(loc.Value, loc.queryOption(), chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return nil
}

func (h *chromeHandle) SendKeys(ctx context.Context, loc Locator, text string) error {
	if err := h.run(ctx, chromedp.SendKeys(loc.Value, text, loc.queryOption())); err != nil {
		return fmt.Errorf("send keys to %s: %w", loc, err)
	}
	return nil
}

func (h *chromeHandle) ConsoleLogs() []ConsoleEntry {
	return h.console.drain()
}

// Close shuts the browser down. Safe to call more than once.
func (h *chromeHandle) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer h.cancelAlloc()
	defer h.cancelTab()

	done := make(chan error, 1)
	go func() { done <- h.shutdown(h.ctx) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("close browser: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The deferred cancels kill the process.
		return ctx.Err()
	}
}

// ChromeLauncher starts a dedicated Chromium per Launch, either as a local
// process or as a new tab on a remote DevTools endpoint.
type ChromeLauncher struct {
	base    context.Context
	cfg     config.BrowserConfig
	persona stealth.Persona
	logger  *zap.Logger
}

// NewChromeLauncher returns a launcher whose browsers live until closed or
// until base is canceled.
func NewChromeLauncher(base context.Context, cfg config.BrowserConfig, logger *zap.Logger) *ChromeLauncher {
	return &ChromeLauncher{
		base:    base,
		cfg:     cfg,
		persona: stealth.PersonaFromConfig(cfg),
		logger:  logger.Named("launcher"),
	}
}

func (l *ChromeLauncher) allocator() (context.Context, context.CancelFunc) {
	if l.cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(l.base, l.cfg.RemoteURL)
	}
	return chromedp.NewExecAllocator(l.base, AllocatorOptions(l.cfg)...)
}

func (l *ChromeLauncher) Launch(ctx context.Context) (Handle, error) {
	allocCtx, cancelAlloc := l.allocator()
	sugar := l.logger.Sugar()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)
	h := newChromeHandle(tabCtx, cancelTab, cancelAlloc, l.logger.Named("handle"))

	// The first Run allocates the browser and ties it to the context it is
	// given, so it gets the tab context and is only watched by ctx.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			cancelTab()
			cancelAlloc()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		cancelTab()
		cancelAlloc()
		return nil, ctx.Err()
	}

	chromedp.ListenTarget(tabCtx, h.console.handleEvent)

	setup := chromedp.Tasks{runtime.Enable(), log.Enable(), stealth.Apply(l.persona, l.logger)}
	if err := h.run(ctx, setup); err != nil {
		closeCtx, cancel := context.WithTimeout(Detach(ctx), 5*time.Second)
		_ = h.Close(closeCtx)
		cancel()
		return nil, fmt.Errorf("failed to prepare tab: %w", err)
	}

	l.logger.Info("Browser launched",
		zap.Bool("headless", l.cfg.Headless),
		zap.Bool("remote", l.cfg.RemoteURL != ""),
	)
	return h, nil
}
