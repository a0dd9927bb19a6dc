package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also
// canceled when secondary is. Values come from primary only, which matters
// for chromedp: the tab lives in primary's values while the caller's
// deadline lives in secondary.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                    { return nil }
func (valueOnlyContext) Err() error                               { return nil }

// Detach returns a context carrying ctx's values that is never canceled.
// Used for teardown that must finish after the request that triggered it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
