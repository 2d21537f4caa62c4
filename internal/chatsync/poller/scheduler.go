// Package poller runs the adaptive polling loop that stands in for a push
// channel.
//
// The loop is a plain for/select over a single timer: one cycle, compute the
// next delay, wait, repeat. There is never more than one pending timer and
// never more than one poll in flight.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/chatsync/common/observability"
	"github.com/bdobrica/chatsync/common/trace"
	"github.com/bdobrica/chatsync/internal/chatsync/ratelimit"
	"github.com/bdobrica/chatsync/internal/chatsync/transport"
)

// Outcome is what one poll observed.
type Outcome struct {
	// NewMessages counts messages appended to the conversation.
	NewMessages int
	// Completed is set when the server closed the conversation.
	Completed bool
}

// Target is polled by the scheduler.
type Target interface {
	// Poll fetches and reconciles one batch. Errors are classified with
	// transport.KindOf.
	Poll(ctx context.Context) (Outcome, error)
	// OperatorMode reports whether a human operator owns the conversation.
	OperatorMode() bool
	// AwaitingReply reports whether the user is waiting for an answer.
	AwaitingReply() bool
}

// StepKind tells the loop what to do after a cycle.
type StepKind int

const (
	// StepContinue: the cycle ran; wait Step.Delay.
	StepContinue StepKind = iota
	// StepSkipped: another cycle was in flight; nothing was fetched.
	StepSkipped
	// StepBlocked: inside a rate-limit cooldown; wake when it ends.
	StepBlocked
	// StepRetry: the poll hit a 429; retry once after Step.Delay.
	StepRetry
	// StepDone: the conversation is completed or the context cancelled.
	StepDone
)

func (k StepKind) String() string {
	switch k {
	case StepContinue:
		return "continue"
	case StepSkipped:
		return "skipped"
	case StepBlocked:
		return "blocked"
	case StepRetry:
		return "retry"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// Step is the result of Cycle.
type Step struct {
	Kind  StepKind
	Delay time.Duration
}

// Config wires a Scheduler.
type Config struct {
	Policy Policy
	// Guard is shared with the send path so both see the same cooldown.
	// A private one is created when nil.
	Guard *ratelimit.Guard
	// Now replaces time.Now, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// Scheduler owns the poll loop of one conversation widget.
type Scheduler struct {
	target Target
	guard  *ratelimit.Guard
	policy Policy
	now    func() time.Time
	logger *slog.Logger

	busy  atomic.Bool
	nudge chan struct{}

	mu         sync.Mutex
	emptyPolls int
	completed  bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an idle Scheduler for target.
func New(target Target, cfg Config) *Scheduler {
	if cfg.Guard == nil {
		cfg.Guard = ratelimit.NewGuard(ratelimit.Policy{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		target: target,
		guard:  cfg.Guard,
		policy: cfg.Policy.withDefaults(),
		now:    cfg.Now,
		logger: cfg.Logger.With("component", "poller"),
		nudge:  make(chan struct{}, 1),
	}
}

// Cycle runs a single poll cycle and reports what the loop should do next.
// A Cycle that finds another one in flight returns StepSkipped without
// touching the network.
func (s *Scheduler) Cycle(ctx context.Context) Step {
	if !s.busy.CompareAndSwap(false, true) {
		return Step{Kind: StepSkipped}
	}
	defer s.busy.Store(false)

	if s.Completed() || ctx.Err() != nil {
		return Step{Kind: StepDone}
	}

	now := s.now()
	if s.guard.IsBlocked(now) {
		return Step{Kind: StepBlocked, Delay: s.guard.Remaining(now)}
	}

	ctx = trace.Start(ctx, "poll")
	log := observability.WithTrace(ctx, s.logger)

	out, err := s.target.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Step{Kind: StepDone}
		}
		if transport.KindOf(err) == transport.KindRateLimited {
			d := s.guard.RecordHit(s.now())
			log.Info("rate limited, backing off", "retry_in", d)
			return Step{Kind: StepRetry, Delay: d}
		}
		log.Warn("poll failed", "err", err)
		return s.next()
	}

	if out.Completed {
		s.mu.Lock()
		s.completed = true
		s.mu.Unlock()
		log.Info("conversation completed, polling stopped")
		return Step{Kind: StepDone}
	}

	s.mu.Lock()
	if out.NewMessages > 0 {
		s.emptyPolls = 0
	} else {
		s.emptyPolls++
	}
	empty := s.emptyPolls
	s.mu.Unlock()

	step := s.next()
	log.Debug("poll cycle", "new_messages", out.NewMessages, "empty_polls", empty, "next", step.Delay)
	return step
}

// next computes the wait after a cycle that did not hit a 429 itself. A
// cooldown started elsewhere (e.g. by the send path) takes precedence.
func (s *Scheduler) next() Step {
	now := s.now()
	if s.guard.IsBlocked(now) {
		return Step{Kind: StepBlocked, Delay: s.guard.Remaining(now)}
	}
	s.mu.Lock()
	empty := s.emptyPolls
	s.mu.Unlock()
	return Step{
		Kind:  StepContinue,
		Delay: NextDelay(s.policy, s.target.OperatorMode(), s.target.AwaitingReply(), empty),
	}
}

// Start enters the polling state: one cycle runs immediately, then the loop
// keeps going until Stop, ctx cancellation or a completed conversation.
// Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	// Drop a nudge left over from a previous run.
	select {
	case <-s.nudge:
	default:
	}

	go s.loop(ctx, done)
}

// Stop cancels the loop, including an in-flight poll, and waits for it to
// exit. No request is issued once Stop has returned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Nudge asks the loop to recompute its pending delay, e.g. because the user
// just sent a message and a reply is now awaited. The timer is only ever
// brought forward.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Halt marks the conversation completed and ends the loop.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.Nudge()
}

// Reset forgets the empty-poll count, the completed flag and any cooldown, so
// polling for a new session starts clean.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.emptyPolls = 0
	s.completed = false
	s.mu.Unlock()
	s.guard.Reset()
}

// Completed reports whether polling ended because the conversation closed.
func (s *Scheduler) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// EmptyPolls returns the number of consecutive polls without new messages.
func (s *Scheduler) EmptyPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emptyPolls
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		close(done)
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
	}()

	s.logger.Debug("polling started")
	defer s.logger.Debug("polling stopped")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	step := s.Cycle(ctx)
	for {
		switch step.Kind {
		case StepDone:
			return
		case StepSkipped:
			step = s.next()
		}

		deadline := time.Now().Add(step.Delay)
		timer.Reset(step.Delay)

		for fired := false; !fired; {
			select {
			case <-ctx.Done():
				return
			case <-s.nudge:
				if s.Completed() {
					return
				}
				if d := s.next().Delay; time.Now().Add(d).Before(deadline) {
					deadline = time.Now().Add(d)
					timer.Reset(d)
				}
			case <-timer.C:
				fired = true
			}
		}
		step = s.Cycle(ctx)
	}
}
