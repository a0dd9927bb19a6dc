package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
	"go.uber.org/zap"
)

// Options configures an Orchestrator.
type Options struct {
	Venice    config.VeniceConfig
	Bridge    config.BridgeConfig
	Inference config.InferenceConfig
	// DebugConsole forwards the page console to the log after every attempt.
	DebugConsole bool
	Logger       *zap.Logger
	Metrics      *Metrics
}

// Orchestrator runs bridge operations: it drives the chat page, arms the
// interceptor, submits and drains, retrying once through a fresh login on a
// transport fault.
type Orchestrator struct {
	sessions SessionSource
	lock     *SessionLock
	opts     Options
	logger   *zap.Logger
	metrics  *Metrics

	newToken func() string
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewOrchestrator(sessions SessionSource, lock *SessionLock, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if lock == nil {
		lock = NewSessionLock()
	}
	return &Orchestrator{
		sessions: sessions,
		lock:     lock,
		opts:     opts,
		logger:   logger.Named("bridge"),
		metrics:  opts.Metrics,
		newToken: NewToken,
		now:      time.Now,
	}
}

// Normalize applies defaults to req and rejects it if it cannot be bridged.
func (o *Orchestrator) Normalize(req Request) (Request, error) {
	req.Model = strings.TrimSuffix(strings.TrimSpace(req.Model), ":latest")
	if req.Model == "" {
		req.Model = o.opts.Inference.DefaultModel
	}
	if req.Model == "" {
		return req, &RequestError{Field: "model", Reason: "is required"}
	}
	if len(req.Turns) == 0 {
		return req, &RequestError{Field: "messages", Reason: "must contain at least one turn"}
	}
	for i, t := range req.Turns {
		if t.Role == "" {
			return req, &RequestError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "is required"}
		}
	}
	switch req.Shape {
	case ShapeChat, ShapeGenerate, ShapeBuffered:
	default:
		return req, &RequestError{Field: "shape", Reason: fmt.Sprintf("%s is not supported", req.Shape)}
	}
	return req, nil
}

// Bridge runs one request end to end, handing each Event to emit in order.
// Exactly one terminal Event is emitted on success.
func (o *Orchestrator) Bridge(ctx context.Context, req Request, emit func(Event) error) error {
	req, err := o.Normalize(req)
	if err != nil {
		o.metrics.request(req.Shape, "rejected")
		return err
	}

	queued := o.now()
	if err := o.lock.Lock(ctx); err != nil {
		o.metrics.request(req.Shape, "abandoned")
		return err
	}
	defer o.lock.Unlock()
	o.metrics.waited(o.now().Sub(queued).Seconds())

	maxAttempts := o.opts.Bridge.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}

	var lastFault error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := o.attempt(ctx, attempt, req, emit)
		if err == nil {
			o.metrics.request(req.Shape, "ok")
			return nil
		}

		var tf *TransportFault
		if !errors.As(err, &tf) {
			var de *deliveryError
			if errors.As(err, &de) {
				err = de.err
			}
			o.metrics.request(req.Shape, "failed")
			return err
		}
		lastFault = err
		if attempt < maxAttempts {
			o.metrics.retry()
			o.logger.Warn("Transport fault; re-establishing session and retrying",
				zap.Int("attempt", attempt),
				zap.Stringer("state", tf.State),
				zap.Error(err))
		}
	}

	o.metrics.request(req.Shape, "failed")
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastFault)
}

// attempt walks the state machine once. Handle failures come back as
// *TransportFault with the session already invalidated.
func (o *Orchestrator) attempt(ctx context.Context, n int, req Request, emit func(Event) error) error {
	state := StateIdle
	sess, err := o.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	h := sess.Handle()
	logger := o.logger.With(zap.String("session_id", sess.ID), zap.Int("attempt", n))
	if o.opts.DebugConsole {
		defer o.forwardConsole(h, logger)
	}

	advance := func(next State, op string, fn func() error) error {
		if err := fn(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var de *deliveryError
			if errors.As(err, &de) {
				return err
			}
			fault := &TransportFault{State: state, Op: op, Err: err}
			logger.Debug("Attempt failed", zap.Stringer("state", StateTransportFailed), zap.Error(fault))
			o.sessions.Invalidate(ctx, sess)
			return fault
		}
		logger.Debug("State transition", zap.Stringer("from", state), zap.Stringer("to", next))
		state = next
		return nil
	}

	var token string
	steps := []struct {
		next State
		op   string
		fn   func() error
	}{
		{StateSessionReady, "acquire", func() error { return nil }},
		{StateNavigatedToChat, "navigate", func() error { return o.ensureChat(ctx, sess) }},
		{StateNavigatedToChat, "open composer", func() error { return o.openComposer(ctx, h) }},
		{StateArmed, "arm", func() (err error) {
			token, err = o.arm(ctx, h, req, logger)
			return err
		}},
		{StateSubmitted, "submit", func() error { return o.submit(ctx, h) }},
		{StateDraining, "drain", func() error { return nil }},
		{StateCompleted, "drain", func() error { return o.drain(ctx, h, token, req.Shape, emit, logger) }},
	}
	for _, s := range steps {
		if err := advance(s.next, s.op, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// ensureChat navigates to the chat page unless the session is already on it.
func (o *Orchestrator) ensureChat(ctx context.Context, sess *Session) error {
	h := sess.Handle()
	chatURL := o.opts.Venice.ChatURL()
	loc, err := h.Location(ctx)
	if err != nil {
		return err
	}
	if strings.HasPrefix(loc, chatURL) {
		sess.setLocation(loc)
		return nil
	}
	if err := h.Navigate(ctx, chatURL); err != nil {
		return err
	}
	sess.setLocation(chatURL)
	return nil
}

// openComposer waits for whichever of the entry control and the input shows
// up first, clicks through the entry control if needed, then types a space
// to unlock the submit button.
func (o *Orchestrator) openComposer(ctx context.Context, h browser.Handle) error {
	loc := o.opts.Venice.Locators
	entry := browser.XPath(loc.ChatEntry)
	input := browser.XPath(loc.ChatInput)
	wait := o.opts.Bridge.WaitTimeout

	winner, err := race(ctx, h, wait, entry, input)
	if err != nil {
		return err
	}
	if winner == entry {
		if err := h.Click(ctx, entry); err != nil {
			return err
		}
		if err := h.WaitFor(ctx, input, browser.Clickable, wait); err != nil {
			return err
		}
	}
	return h.SendKeys(ctx, input, " ")
}

// race waits for every locator to become clickable and returns the first
// that does. All waits have returned by the time race does.
func race(ctx context.Context, h browser.Handle, timeout time.Duration, locs ...browser.Locator) (browser.Locator, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		loc browser.Locator
		err error
	}
	results := make(chan result, len(locs))
	for _, l := range locs {
		go func(l browser.Locator) {
			results <- result{l, h.WaitFor(raceCtx, l, browser.Clickable, timeout)}
		}(l)
	}

	var (
		winner *browser.Locator
		errs   []error
	)
	for range locs {
		r := <-results
		if r.err == nil && winner == nil {
			w := r.loc
			winner = &w
			cancel()
			continue
		}
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	if winner != nil {
		return *winner, nil
	}
	return browser.Locator{}, errors.Join(errs...)
}

// arm installs the interceptor for req and returns its capture token.
func (o *Orchestrator) arm(ctx context.Context, h browser.Handle, req Request, logger *zap.Logger) (string, error) {
	spec := NewInterceptionSpec(o.newToken(), req, o.opts.Venice, o.opts.Inference)
	if err := Arm(ctx, h, spec); err != nil {
		return "", err
	}
	logger.Debug("Interceptor armed", zap.String("token", spec.Token()), zap.String("model", spec.Payload.ModelID))
	return spec.Token(), nil
}

func (o *Orchestrator) submit(ctx context.Context, h browser.Handle) error {
	submit := browser.XPath(o.opts.Venice.Locators.ChatSubmit)
	if err := h.WaitFor(ctx, submit, browser.Clickable, o.opts.Bridge.WaitTimeout); err != nil {
		return err
	}
	return h.Click(ctx, submit)
}

func (o *Orchestrator) drain(ctx context.Context, h browser.Handle, token string, shape Shape, emit func(Event) error, logger *zap.Logger) error {
	d := &Drainer{
		Handle:        h,
		Token:         token,
		Shape:         shape,
		PollInterval:  o.opts.Bridge.PollInterval,
		StreamTimeout: o.opts.Bridge.StreamTimeout,
		Logger:        logger,
		Metrics:       o.metrics,
		now:           o.now,
		sleep:         o.sleep,
	}
	return d.Run(ctx, emit)
}

func (o *Orchestrator) forwardConsole(h browser.Handle, logger *zap.Logger) {
	for _, e := range h.ConsoleLogs() {
		logger.Info("Browser console",
			zap.String("level", e.Level),
			zap.String("source", e.Source),
			zap.Time("at", e.Time),
			zap.String("text", e.Text))
	}
}
