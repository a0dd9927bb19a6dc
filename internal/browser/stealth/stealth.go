package stealth

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/venice-bridge/internal/config"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona is the browser identity presented to the site.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"timezone,omitempty"`
	Locale    string   `json:"locale,omitempty"`
	Width     int64    `json:"width,omitempty"`
	Height    int64    `json:"height,omitempty"`
}

// PersonaFromConfig maps the browser config section onto a Persona.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	return Persona{
		UserAgent: cfg.Persona.UserAgent,
		Platform:  cfg.Persona.Platform,
		Languages: cfg.Persona.Languages,
		Timezone:  cfg.Persona.Timezone,
		Locale:    cfg.Persona.Locale,
		Width:     int64(cfg.Viewport.Width),
		Height:    int64(cfg.Viewport.Height),
	}
}

// Apply returns the actions that make a fresh tab present the persona. It
// must run before the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	l := logger.Named("stealth")
	tasks := chromedp.Tasks{network.Enable()}

	if header := AcceptLanguage(p.Languages); header != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": header}))
	}
	if p.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(strings.Join(p.Languages, ",")))
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(p.Width, p.Height, 1.0, false))
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if locale := p.locale(); locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(locale))
	}

	tasks = append(tasks,
		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := evasionSource(p)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("stealth: failed to add script on new document: %w", err)
			}
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			l.Debug("Stealth persona applied", zap.String("user_agent", p.UserAgent), zap.String("timezone", p.Timezone))
			return nil
		}),
	)
	return tasks
}

func (p Persona) locale() string {
	locale := p.Locale
	if locale == "" && len(p.Languages) > 0 {
		locale = p.Languages[0]
	}
	return strings.ReplaceAll(locale, "_", "-")
}

// evasionSource prefixes the embedded evasion script with the persona it reads.
func evasionSource(p Persona) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("stealth: failed to marshal persona: %w", err)
	}
	return "const VB_PERSONA = " + string(raw) + ";\n" + evasionsScript, nil
}

// AcceptLanguage formats languages as an Accept-Language header with
// descending q-values floored at 0.7.
func AcceptLanguage(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(langs[0])
	for i, lang := range langs[1:] {
		q := 1.0 - float64(i+1)*0.1
		if q < 0.7 {
			q = 0.7
		}
		fmt.Fprintf(&sb, ",%s;q=%.1f", lang, q)
	}
	return sb.String()
}
