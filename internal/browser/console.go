package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/runtime"
)

const defaultConsoleCapacity = 1000

// consoleBuffer accumulates page console output between reads. When full the
// oldest entries are dropped.
type consoleBuffer struct {
	mu       sync.Mutex
	entries  []ConsoleEntry
	capacity int
	dropped  int
}

func newConsoleBuffer(capacity int) *consoleBuffer {
	if capacity <= 0 {
		capacity = defaultConsoleCapacity
	}
	return &consoleBuffer{capacity: capacity}
}

func (b *consoleBuffer) add(e ConsoleEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, e)
}

// drain returns and clears the buffered entries.
func (b *consoleBuffer) drain() []ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	if b.dropped > 0 {
		out = append([]ConsoleEntry{{
			Time:   time.Now(),
			Level:  "warning",
			Text:   fmt.Sprintf("%d console entries dropped", b.dropped),
			Source: "bridge",
		}}, out...)
		b.dropped = 0
	}
	return out
}

// handleEvent is installed with chromedp.ListenTarget.
func (b *consoleBuffer) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		b.add(ConsoleEntry{
			Time:   timestampOf(e.Timestamp),
			Level:  string(e.Type),
			Text:   consoleArgsText(e.Args),
			Source: "console-api",
		})
	case *log.EventEntryAdded:
		if e.Entry == nil {
			return
		}
		b.add(ConsoleEntry{
			Time:   timestampOf(e.Entry.Timestamp),
			Level:  string(e.Entry.Level),
			Text:   e.Entry.Text,
			Source: string(e.Entry.Source),
		})
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil {
			return
		}
		text := e.ExceptionDetails.Text
		if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
			text = e.ExceptionDetails.Exception.Description
		}
		b.add(ConsoleEntry{
			Time:   timestampOf(e.Timestamp),
			Level:  "exception",
			Text:   text,
			Source: "runtime",
		})
	}
}

func timestampOf(ts *runtime.Timestamp) time.Time {
	if ts == nil {
		return time.Now()
	}
	return ts.Time()
}

func consoleArgsText(args []*runtime.RemoteObject) string {
	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		var val interface{}
		switch {
		case len(arg.Value) > 0 && json.Unmarshal(arg.Value, &val) == nil:
			fmt.Fprintf(&sb, "%v", val)
		case arg.Description != "":
			sb.WriteString(arg.Description)
		default:
			fmt.Fprintf(&sb, "[%s]", arg.Type)
		}
	}
	return sb.String()
}
