package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// ErrNoCredentials is returned by the credentials strategy when no username
// or password is configured.
var ErrNoCredentials = errors.New("venice username and password are required (VENICE_USERNAME, VENICE_PASSWORD)")

// Authenticator signs a fresh browser in. Implementations only drive the
// sign-in surface; the readiness check is the Manager's job.
type Authenticator interface {
	Mode() config.AuthMode
	SignIn(ctx context.Context, h browser.Handle) error
}

// NewAuthenticator selects the strategy named by venice.auth_mode.
func NewAuthenticator(venice config.VeniceConfig, timing config.BridgeConfig) (Authenticator, error) {
	switch venice.AuthMode {
	case config.AuthCredentials, "":
		return &credentialsAuth{venice: venice, wait: timing.WaitTimeout}, nil
	case config.AuthWallet:
		return &walletAuth{venice: venice, wait: timing.WaitTimeout, poll: timing.PollInterval}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", venice.AuthMode)
	}
}

// credentialsAuth submits the identifier, confirms, then submits the password.
type credentialsAuth struct {
	venice config.VeniceConfig
	wait   time.Duration
}

func (a *credentialsAuth) Mode() config.AuthMode { return config.AuthCredentials }

func (a *credentialsAuth) SignIn(ctx context.Context, h browser.Handle) error {
	if a.venice.Username == "" || a.venice.Password == "" {
		return ErrNoCredentials
	}
	loc := a.venice.Locators
	identifier := browser.ID(loc.IdentifierID)
	password := browser.ID(loc.PasswordID)
	submit := browser.XPath(loc.SignInSubmit)

	steps := []struct {
		name string
		run  func() error
	}{
		{"open sign-in", func() error { return h.Navigate(ctx, a.venice.SignInURL()) }},
		{"wait for identifier", func() error { return h.WaitFor(ctx, identifier, browser.Visible, a.wait) }},
		{"type identifier", func() error { return h.SendKeys(ctx, identifier, a.venice.Username) }},
		{"wait for confirm", func() error { return h.WaitFor(ctx, submit, browser.Clickable, a.wait) }},
		{"confirm identifier", func() error { return h.Click(ctx, submit) }},
		{"wait for password", func() error { return h.WaitFor(ctx, password, browser.Present, a.wait) }},
		{"type password", func() error { return h.SendKeys(ctx, password, a.venice.Password) }},
		{"wait for confirm", func() error { return h.WaitFor(ctx, submit, browser.Clickable, a.wait) }},
		{"confirm password", func() error { return h.Click(ctx, submit) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// walletAuth opens the wallet connect dialog and activates the wallet entry
// buried in its nested shadow roots.
type walletAuth struct {
	venice config.VeniceConfig
	wait   time.Duration
	poll   time.Duration
}

func (a *walletAuth) Mode() config.AuthMode { return config.AuthWallet }

func (a *walletAuth) SignIn(ctx context.Context, h browser.Handle) error {
	connect := browser.XPath(a.venice.Wallet.ConnectXPath)
	if err := h.Navigate(ctx, a.venice.SignInURL()); err != nil {
		return fmt.Errorf("open sign-in: %w", err)
	}
	if err := h.WaitFor(ctx, connect, browser.Clickable, a.wait); err != nil {
		return fmt.Errorf("wait for connect: %w", err)
	}
	if err := h.Click(ctx, connect); err != nil {
		return fmt.Errorf("click connect: %w", err)
	}

	limit := a.venice.Wallet.EnableWait
	if limit <= 0 {
		limit = a.wait
	}
	if err := a.awaitEnabled(ctx, h, limit); err != nil {
		return err
	}

	res, err := a.probe(ctx, h, true)
	if err != nil {
		return fmt.Errorf("activate wallet: %w", err)
	}
	if !res.Found || !res.Enabled {
		return fmt.Errorf("activate wallet: control vanished before click (depth %d)", res.Depth)
	}
	return nil
}

// awaitEnabled polls the dialog path until the final control exists and is
// enabled, or limit passes.
func (a *walletAuth) awaitEnabled(ctx context.Context, h browser.Handle, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	poll := a.poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	var last shadowResult
	for {
		res, err := a.probe(ctx, h, false)
		if err != nil {
			return fmt.Errorf("probe wallet dialog: %w", err)
		}
		if res.Found && res.Enabled {
			return nil
		}
		last = res
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: wallet control not enabled after %s (reached depth %d of %d)",
				browser.ErrTimeout, limit, last.Depth, len(a.venice.Wallet.DialogPath))
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return err
		}
	}
}

func (a *walletAuth) probe(ctx context.Context, h browser.Handle, click bool) (shadowResult, error) {
	var res shadowResult
	script, err := render(shadowScript, shadowArgs{Path: a.venice.Wallet.DialogPath, Click: click})
	if err != nil {
		return res, err
	}
	err = h.Evaluate(ctx, script, &res)
	return res, err
}
