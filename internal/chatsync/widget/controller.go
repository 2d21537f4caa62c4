// Package widget is the conversation session controller: it owns one
// conversation, wires the session store, the reconciler, the rate-limit guard
// and the poll scheduler together, and exposes the operations a chat UI
// calls (open, close, send, reset).
//
// All session mutation happens under a single mutex. Network calls are made
// without holding it; their results are funnelled through ingest, which
// de-duplicates, so the send path and the poll loop may race freely.
package widget

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/chatsync/common/observability"
	"github.com/bdobrica/chatsync/common/trace"
	"github.com/bdobrica/chatsync/internal/chatsync/chat"
	"github.com/bdobrica/chatsync/internal/chatsync/poller"
	"github.com/bdobrica/chatsync/internal/chatsync/ratelimit"
	"github.com/bdobrica/chatsync/internal/chatsync/reconcile"
	"github.com/bdobrica/chatsync/internal/chatsync/session"
	"github.com/bdobrica/chatsync/internal/chatsync/transport"
)

var (
	// ErrBlankMessage is returned by Send for empty or whitespace-only text.
	ErrBlankMessage = errors.New("widget: blank message")
	// ErrSendInFlight is returned by Send while a previous send is running.
	ErrSendInFlight = errors.New("widget: send already in flight")
)

const (
	// DefaultReplyTimeout bounds how long the waiting flag stays set when no
	// reply arrives.
	DefaultReplyTimeout = 30 * time.Second

	// DefaultWelcome seeds every new conversation.
	DefaultWelcome = "Hi! I'm your virtual assistant. How can I help you today?"

	sendFailedText  = "I apologize, but I'm having trouble processing your request right now. Please try again or contact our support team for assistance."
	rateLimitedText = "I'm receiving too many requests right now. Please wait a moment and try again."
)

// Transport is the chatbot backend as seen by the controller. Errors are
// classified with transport.KindOf.
type Transport interface {
	SendMessage(ctx context.Context, text, sessionID string) (*chat.SendResult, error)
	LatestMessages(ctx context.Context, sessionID string, sinceID int64) (*chat.Batch, error)
}

// Options tunes a Controller. Zero values take defaults.
type Options struct {
	Welcome      string
	ReplyTimeout time.Duration
	Policy       poller.Policy
	RateLimit    ratelimit.Policy
	// Now replaces time.Now, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// State is a point-in-time copy of the conversation for rendering.
type State struct {
	SessionID     string
	Messages      []chat.Message
	HighWaterMark int64
	OperatorMode  bool
	AwaitingReply bool
	Completed     bool
	RateLimited   bool
}

// Controller drives one conversation widget.
type Controller struct {
	transport    Transport
	store        *session.Store
	guard        *ratelimit.Guard
	sched        *poller.Scheduler
	welcome      string
	replyTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	sending atomic.Bool
	changes chan struct{}
	wg      sync.WaitGroup

	mu           sync.Mutex
	sess         *chat.Session
	awaiting     bool
	fallback     *time.Timer
	open         bool
	openCtx      context.Context
	statusCancel context.CancelFunc
}

var _ poller.Target = (*Controller)(nil)

// New builds a Controller and loads the persisted conversation. When nothing
// usable is stored a fresh session holding only the welcome entry is started,
// reusing a surviving session id if there is one.
func New(ctx context.Context, t Transport, store *session.Store, opts Options) *Controller {
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcome
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		transport:    t,
		store:        store,
		guard:        ratelimit.NewGuard(opts.RateLimit),
		welcome:      opts.Welcome,
		replyTimeout: opts.ReplyTimeout,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "widget"),
		changes:      make(chan struct{}, 1),
	}
	c.sched = poller.New(c, poller.Config{
		Policy: opts.Policy,
		Guard:  c.guard,
		Now:    opts.Now,
		Logger: opts.Logger,
	})

	c.sess = store.Load(ctx)
	if c.sess == nil {
		c.sess = chat.NewSession(store.SessionID(ctx), c.welcome, c.now())
		c.store.Save(ctx, c.sess)
		c.logger.Info("started new session", "session_id", c.sess.ID)
	} else {
		c.logger.Info("restored session", "session_id", c.sess.ID, "messages", len(c.sess.Messages), "high_water_mark", c.sess.HighWaterMark)
	}
	return c
}

// Open starts polling the current session and runs a one-shot status check
// that refreshes operator mode before the first full poll lands. Opening an
// open widget is a no-op.
func (c *Controller) Open(ctx context.Context) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.openCtx = ctx
	statusCtx, cancel := context.WithCancel(ctx)
	c.statusCancel = cancel
	id, hwm := c.sess.ID, c.sess.HighWaterMark
	c.mu.Unlock()

	c.sched.Start(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.checkStatus(statusCtx, id, hwm)
	}()
}

// Close stops polling, cancels the waiting fallback and persists the final
// state. No network call is issued for this widget once Close returns,
// except by a Send still running on the caller's goroutine.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.statusCancel
	c.statusCancel = nil
	c.open = false
	c.openCtx = nil
	c.mu.Unlock()

	c.sched.Stop()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.clearAwaitingLocked()
	c.store.Save(context.Background(), c.sess)
	c.mu.Unlock()
	c.notify()
}

// Send posts text as a user message. Blank text and overlapping sends are
// rejected. Transport failures do not surface as errors: they end up in the
// conversation as a local assistant notice.
func (c *Controller) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrBlankMessage
	}
	if !c.sending.CompareAndSwap(false, true) {
		return ErrSendInFlight
	}
	defer c.sending.Store(false)

	ctx = trace.Start(ctx, "send")
	log := observability.WithTrace(ctx, c.logger)

	c.mu.Lock()
	id := c.sess.ID
	c.awaiting = true
	c.armFallbackLocked()
	c.mu.Unlock()
	c.notify()
	c.sched.Nudge()

	res, err := c.transport.SendMessage(ctx, text, id)
	if err != nil {
		notice := sendFailedText
		if transport.KindOf(err) == transport.KindRateLimited {
			d := c.guard.RecordHit(c.now())
			log.Info("rate limited on send", "session_id", id, "retry_in", d)
			notice = rateLimitedText
		} else {
			log.Warn("send failed", "session_id", id, "err", err)
		}

		c.mu.Lock()
		if c.sess.ID == id {
			c.sess.Messages = append(c.sess.Messages, chat.Local(notice, c.now()))
			c.saveLocked(ctx)
		}
		c.clearAwaitingLocked()
		c.mu.Unlock()
		c.notify()
		return nil
	}

	c.mu.Lock()
	if c.sess.ID != id {
		// Reset while the request was out; the response belongs to a
		// conversation that no longer exists.
		c.mu.Unlock()
		return nil
	}
	c.sess.OperatorMode = res.OperatorMode
	switch {
	case res.ConversationCompleted:
		if res.Message != "" {
			c.sess.Messages = append(c.sess.Messages, chat.Local(res.Message, c.now()))
		}
		c.clearAwaitingLocked()
	case res.SilentBlock:
		log.Debug("silent block, no automated reply", "session_id", id)
		c.clearAwaitingLocked()
	case res.OperatorMode:
		// An operator will answer; polling picks their reply up.
		c.clearAwaitingLocked()
	}
	c.saveLocked(ctx)
	c.mu.Unlock()
	c.notify()

	if res.ConversationCompleted {
		log.Info("conversation completed", "session_id", id)
		c.sched.Halt()
		return nil
	}

	c.confirm(ctx, log, id)
	c.sched.Nudge()
	return nil
}

// confirm fetches once right after a send to pick up the stored user message
// and any instant reply.
func (c *Controller) confirm(ctx context.Context, log *slog.Logger, id string) {
	if c.guard.IsBlocked(c.now()) {
		log.Debug("skipping confirmation fetch during cooldown")
		return
	}

	c.mu.Lock()
	hwm := c.sess.HighWaterMark
	c.mu.Unlock()

	batch, err := c.transport.LatestMessages(ctx, id, hwm)
	if err != nil {
		if transport.KindOf(err) == transport.KindRateLimited {
			log.Info("rate limited on confirmation fetch, polling will catch up")
		} else {
			log.Warn("confirmation fetch failed", "err", err)
		}
		return
	}
	if out := c.ingest(log, id, batch); out.Completed {
		c.sched.Halt()
	}
}

// Reset discards the conversation and starts a new one holding only the
// welcome entry. Cooldown and scheduler state are cleared. Polling restarts
// for the new session only if the widget is open.
func (c *Controller) Reset(ctx context.Context) {
	c.sched.Stop()
	c.sched.Reset()

	c.mu.Lock()
	old := c.sess.ID
	c.store.Clear(ctx)
	c.sess = chat.NewSession("", c.welcome, c.now())
	c.clearAwaitingLocked()
	c.saveLocked(ctx)
	id, open, openCtx := c.sess.ID, c.open, c.openCtx
	c.mu.Unlock()

	c.logger.Info("session reset", "old_session_id", old, "session_id", id)
	c.notify()

	if open {
		c.sched.Start(openCtx)
	}
}

// Poll fetches one batch for the poll scheduler.
func (c *Controller) Poll(ctx context.Context) (poller.Outcome, error) {
	c.mu.Lock()
	id, hwm := c.sess.ID, c.sess.HighWaterMark
	c.mu.Unlock()

	batch, err := c.transport.LatestMessages(ctx, id, hwm)
	if err != nil {
		return poller.Outcome{}, err
	}
	return c.ingest(observability.WithTrace(ctx, c.logger), id, batch), nil
}

// ingest merges a batch fetched for session id. Batches for a session that
// was reset in the meantime are dropped.
func (c *Controller) ingest(log *slog.Logger, id string, batch *chat.Batch) poller.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.ID != id {
		log.Debug("discarding batch for previous session", "session_id", id)
		return poller.Outcome{}
	}

	res := reconcile.Merge(c.sess.Messages, c.sess.HighWaterMark, batch.Messages, c.now())
	c.sess.HighWaterMark = res.HighWaterMark

	changed := false
	if len(res.Appended) > 0 {
		c.sess.Messages = append(c.sess.Messages, res.Appended...)
		changed = true
	}
	if batch.OperatorMode != c.sess.OperatorMode {
		log.Info("operator mode changed", "session_id", id, "operator_mode", batch.OperatorMode)
		c.sess.OperatorMode = batch.OperatorMode
		changed = true
	}
	if res.ContainedNonUserReply && c.awaiting {
		c.clearAwaitingLocked()
		changed = true
	}
	if changed {
		c.saveLocked(context.Background())
		c.notify()
	}

	return poller.Outcome{NewMessages: len(res.Appended), Completed: batch.Completed()}
}

// checkStatus refreshes only the operator-mode flag.
func (c *Controller) checkStatus(ctx context.Context, id string, hwm int64) {
	if c.guard.IsBlocked(c.now()) {
		return
	}
	ctx = trace.Start(ctx, "status")
	batch, err := c.transport.LatestMessages(ctx, id, hwm)
	if err != nil {
		if ctx.Err() == nil {
			observability.WithTrace(ctx, c.logger).Debug("status check failed", "err", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.ID != id || c.sess.OperatorMode == batch.OperatorMode {
		return
	}
	c.sess.OperatorMode = batch.OperatorMode
	c.saveLocked(ctx)
	c.notify()
}

// OperatorMode reports whether a human operator currently owns the
// conversation.
func (c *Controller) OperatorMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.OperatorMode
}

// AwaitingReply reports whether the user is waiting for an answer.
func (c *Controller) AwaitingReply() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	completed := c.sched.Completed()
	limited := c.guard.IsBlocked(c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess.Clone()
	return State{
		SessionID:     sess.ID,
		Messages:      sess.Messages,
		HighWaterMark: sess.HighWaterMark,
		OperatorMode:  sess.OperatorMode,
		AwaitingReply: c.awaiting,
		Completed:     completed,
		RateLimited:   limited,
	}
}

// Changes signals after the state changed. Signals coalesce: a receiver that
// falls behind sees one pending signal, not one per change.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) saveLocked(ctx context.Context) {
	c.sess.LastActivity = c.now()
	c.store.Save(ctx, c.sess)
}

// armFallbackLocked replaces the waiting fallback timer.
func (c *Controller) armFallbackLocked() {
	if c.fallback != nil {
		c.fallback.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.replyTimeout, func() {
		c.mu.Lock()
		if c.fallback != t {
			c.mu.Unlock()
			return
		}
		c.fallback = nil
		c.awaiting = false
		c.mu.Unlock()
		c.logger.Debug("no reply in time, clearing waiting flag")
		c.notify()
	})
	c.fallback = t
}

func (c *Controller) clearAwaitingLocked() {
	c.awaiting = false
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
}
