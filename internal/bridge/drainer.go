package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"go.uber.org/zap"
)

// Drainer polls one armed capture buffer and turns the stream into Events.
type Drainer struct {
	Handle        browser.Handle
	Token         string
	Shape         Shape
	PollInterval  time.Duration
	StreamTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *Metrics

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func (d *Drainer) clock() func() time.Time {
	if d.now != nil {
		return d.now
	}
	return time.Now
}

func (d *Drainer) pause(ctx context.Context, dur time.Duration) error {
	if d.sleep != nil {
		return d.sleep(ctx, dur)
	}
	return sleepCtx(ctx, dur)
}

type drainState struct {
	count int
	text  strings.Builder
}

// Run drains until the page reports completion or the stream has been
// silent for StreamTimeout, then emits exactly one terminal Event. An error
// from the handle ends the run without a terminal event.
func (d *Drainer) Run(ctx context.Context, emit func(Event) error) error {
	now := d.clock()
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("token", d.Token), zap.Stringer("shape", d.Shape))

	start := now()
	lastChunk := start
	var (
		buf   recordBuffer
		state drainState
	)
	script, err := render(drainScript, drainArgs{Token: d.Token})
	if err != nil {
		return err
	}

	finish := "complete"
	for {
		var res drainResult
		if err := d.Handle.Evaluate(ctx, script, &res); err != nil {
			return err
		}
		if !res.Armed {
			return errCaptureLost
		}
		if len(res.Chunks) > 0 {
			lastChunk = now()
		}
		for _, chunk := range res.Chunks {
			for _, line := range buf.write(chunk) {
				if err := d.handleLine(line, &state, emit, logger); err != nil {
					return err
				}
			}
		}

		if res.Complete {
			if res.Error != "" {
				logger.Warn("Intercepted stream ended with an error", zap.String("error", res.Error))
			}
			break
		}
		if silent := now().Sub(lastChunk); silent > d.StreamTimeout {
			logger.Warn("Stream inactive; finishing early",
				zap.Duration("silent_for", silent),
				zap.Duration("timeout", d.StreamTimeout))
			finish = "stalled"
			break
		}
		if err := d.pause(ctx, d.PollInterval); err != nil {
			return err
		}
	}

	if tail := buf.flush(); tail != nil {
		if err := d.handleLine(tail, &state, emit, logger); err != nil {
			return err
		}
	}

	elapsed := now().Sub(start)
	d.Metrics.stream(finish, elapsed.Seconds())
	terminal := Event{
		Role:       roleAssistant,
		Done:       true,
		DoneReason: "stop",
		Count:      state.count,
		Elapsed:    elapsed,
	}
	if d.Shape == ShapeBuffered {
		terminal.Text = state.text.String()
	}
	logger.Debug("Stream drained", zap.String("finish", finish), zap.Int("increments", state.count), zap.Duration("elapsed", elapsed))
	if err := emit(terminal); err != nil {
		return &deliveryError{err: err}
	}
	return nil
}

func (d *Drainer) handleLine(line []byte, state *drainState, emit func(Event) error, logger *zap.Logger) error {
	rec, err := decodeRecord(line)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			logger.Warn("Dropping malformed record", zap.Error(de))
		}
		d.Metrics.record("malformed")
		return nil
	}

	text := rec.Text()
	switch {
	case rec.Kind == kindContent && text != "":
		state.count++
		d.Metrics.record(kindContent)
		if d.Shape == ShapeBuffered {
			state.text.WriteString(text)
			return nil
		}
		if err := emit(Event{Role: roleAssistant, Text: text}); err != nil {
			return &deliveryError{err: err}
		}
	case text != "":
		d.Metrics.record("unrecognized")
		logger.Info("Ignoring record of unrecognized kind", zap.String("kind", rec.Kind), zap.String("line", truncate(string(line), 200)))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
