package browser

import (
	goruntime "runtime"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// launchFlag is one command-line switch handed to Chromium. Value is either a
// bool (present/absent) or a string.
type launchFlag struct {
	Name  string
	Value interface{}
}

// launchFlags computes the switches layered over chromedp's defaults. goos is
// a parameter so container flags can be tested on any host.
func launchFlags(cfg config.BrowserConfig, goos string) []launchFlag {
	flags := []launchFlag{
		{"headless", cfg.Headless},
		// navigator.webdriver and the automation infobar give the session away.
		{"enable-automation", false},
		{"disable-blink-features", "AutomationControlled"},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
		{"disable-extensions", true},
		{"disable-gpu", cfg.Headless},
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags = append(flags, launchFlag{name, value})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}

	if goos == "linux" {
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
			launchFlag{"disable-setuid-sandbox", true},
		)
	}
	return flags
}

// AllocatorOptions builds the exec allocator options for a local browser.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range launchFlags(cfg, goruntime.GOOS) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	if ua := cfg.Persona.UserAgent; ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
