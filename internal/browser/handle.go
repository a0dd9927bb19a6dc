package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by every Handle method after Close.
	ErrClosed = errors.New("browser: handle closed")
	// ErrTimeout marks a wait that ran past its own deadline while the
	// caller's context was still live.
	ErrTimeout = errors.New("browser: wait timed out")
)

// Strategy selects how a Locator's value is interpreted.
type Strategy int

const (
	ByID Strategy = iota
	ByXPath
	ByCSS
)

func (s Strategy) String() string {
	switch s {
	case ByID:
		return "id"
	case ByXPath:
		return "xpath"
	case ByCSS:
		return "css"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Locator identifies one element on the page.
type Locator struct {
	By    Strategy
	Value string
}

func ID(id string) Locator { return Locator{By: ByID, Value: id} }

func XPath(xp string) Locator { return Locator{By: ByXPath, Value: xp} }

func css(sel string) Locator { return Locator{By: ByCSS, Value: sel} }

func (l Locator) String() string { return l.By.String() + "=" + l.Value }

// Condition is what WaitFor waits for.
type Condition int

const (
	// Present means the element is in the DOM.
	Present Condition = iota
	// Visible means the element is in the DOM and rendered.
	Visible
	// Clickable means visible and not disabled.
	Clickable
)

func (c Condition) String() string {
	switch c {
	case Present:
		return "present"
	case Visible:
		return "visible"
	case Clickable:
		return "clickable"
	default:
		return fmt.Sprintf("condition(%d)", int(c))
	}
}

// ConsoleEntry is one message captured from the page's console or log domain.
type ConsoleEntry struct {
	Time   time.Time
	Level  string
	Text   string
	Source string
}

// Handle is a live, remotely controlled browser tab. Every method is a
// blocking round trip to the browser and honours ctx.
type Handle interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	// Evaluate runs script in the page, awaiting a returned promise, and
	// decodes the JSON value into res. res may be nil.
	Evaluate(ctx context.Context, script string, res any) error
	WaitFor(ctx context.Context, loc Locator, cond Condition, timeout time.Duration) error
	Click(ctx context.Context, loc Locator) error
	SendKeys(ctx context.Context, loc Locator, text string) error
	// ConsoleLogs returns the entries collected since the previous call.
	ConsoleLogs() []ConsoleEntry
	Close(ctx context.Context) error
}

// Launcher starts a fresh Handle. Each call yields an isolated browser.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}
