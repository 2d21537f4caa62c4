package widget_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/chatsync/internal/chatsync/chat"
	"github.com/bdobrica/chatsync/internal/chatsync/poller"
	"github.com/bdobrica/chatsync/internal/chatsync/session"
	"github.com/bdobrica/chatsync/internal/chatsync/transport"
	"github.com/bdobrica/chatsync/internal/chatsync/widget"
)

var now = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

type batchResult struct {
	batch *chat.Batch
	err   error
}

type pollRequest struct {
	sessionID string
	sinceID   int64
}

// fakeTransport records requests and replays queued batches. With the queue
// drained every fetch returns an empty batch.
type fakeTransport struct {
	mu      sync.Mutex
	sendRes *chat.SendResult
	sendErr error
	batches []batchResult
	sent    []string
	sentIDs []string
	polls   []pollRequest

	sendBlock   chan struct{}
	sendEntered chan struct{}
	pollBlock   chan struct{}
	pollEntered chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sendRes:     &chat.SendResult{},
		sendEntered: make(chan struct{}, 4),
		pollEntered: make(chan struct{}, 16),
	}
}

func (f *fakeTransport) SendMessage(ctx context.Context, text, sessionID string) (*chat.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.sentIDs = append(f.sentIDs, sessionID)
	res, err, block := f.sendRes, f.sendErr, f.sendBlock
	f.mu.Unlock()

	f.sendEntered <- struct{}{}
	if block != nil {
		<-block
	}
	return res, err
}

func (f *fakeTransport) LatestMessages(ctx context.Context, sessionID string, sinceID int64) (*chat.Batch, error) {
	f.mu.Lock()
	f.polls = append(f.polls, pollRequest{sessionID, sinceID})
	r := batchResult{batch: &chat.Batch{}}
	if len(f.batches) > 0 {
		r, f.batches = f.batches[0], f.batches[1:]
	}
	block := f.pollBlock
	f.mu.Unlock()

	select {
	case f.pollEntered <- struct{}{}:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.batch, r.err
}

func (f *fakeTransport) queue(b *chat.Batch) {
	f.mu.Lock()
	f.batches = append(f.batches, batchResult{batch: b})
	f.mu.Unlock()
}

func (f *fakeTransport) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polls)
}

func incoming(id int64, role chat.Role, text string) chat.Incoming {
	return chat.Incoming{ServerID: id, Role: role, Content: text, Timestamp: now}
}

func newController(t *testing.T, tr *fakeTransport, kv session.Storage, opts widget.Options) *widget.Controller {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return now }
	}
	store := session.NewStore(kv, session.Options{Now: opts.Now})
	return widget.New(context.Background(), tr, store, opts)
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNew_FreshSession(t *testing.T) {
	c := newController(t, newFakeTransport(), session.NewMemoryStorage(), widget.Options{Welcome: "Welcome!"})

	st := c.Snapshot()
	if !strings.HasPrefix(st.SessionID, "session_") {
		t.Errorf("SessionID = %q", st.SessionID)
	}
	if len(st.Messages) != 1 || st.Messages[0].ID != chat.WelcomeID || st.Messages[0].Text != "Welcome!" {
		t.Errorf("messages = %+v; want only the welcome entry", st.Messages)
	}
}

func TestSend_HelloScenario(t *testing.T) {
	kv := session.NewMemoryStorage()
	kv.Set(context.Background(), session.KeySessionID, "session_1700000000000_abc12")

	tr := newFakeTransport()
	tr.sendRes = &chat.SendResult{Message: "Hi there!"}
	tr.queue(&chat.Batch{Messages: []chat.Incoming{
		incoming(1, chat.RoleUser, "Hello"),
		incoming(2, chat.RoleAssistant, "Hi there!"),
	}})
	tr.sendBlock = make(chan struct{})

	c := newController(t, tr, kv, widget.Options{})

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "Hello") }()
	<-tr.sendEntered
	if !c.AwaitingReply() {
		t.Error("waiting flag not set while the send is out")
	}
	close(tr.sendBlock)
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}

	st := c.Snapshot()
	if st.SessionID != "session_1700000000000_abc12" || tr.sentIDs[0] != st.SessionID {
		t.Errorf("session id = %q, sent with %q", st.SessionID, tr.sentIDs[0])
	}
	got := ids(st.Messages)
	want := []string{chat.WelcomeID, "user-1", "assistant-2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("messages = %v; want %v", got, want)
	}
	if st.AwaitingReply {
		t.Error("waiting flag still set after the reply arrived")
	}
	if st.HighWaterMark != 2 {
		t.Errorf("HighWaterMark = %d; want 2", st.HighWaterMark)
	}
	if len(tr.polls) != 1 || tr.polls[0].sinceID != 0 {
		t.Errorf("confirmation fetch = %+v; want one with cursor 0", tr.polls)
	}
}

func TestSend_RejectsBlank(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := c.Send(context.Background(), text); !errors.Is(err, widget.ErrBlankMessage) {
			t.Errorf("Send(%q) = %v; want ErrBlankMessage", text, err)
		}
	}
	if len(tr.sent) != 0 {
		t.Errorf("sent = %v; want nothing", tr.sent)
	}
	if c.AwaitingReply() {
		t.Error("blank send set the waiting flag")
	}
}

func TestSend_RejectsOverlap(t *testing.T) {
	tr := newFakeTransport()
	tr.sendBlock = make(chan struct{})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "first") }()
	<-tr.sendEntered

	if err := c.Send(context.Background(), "second"); !errors.Is(err, widget.ErrSendInFlight) {
		t.Errorf("overlapping Send = %v; want ErrSendInFlight", err)
	}
	close(tr.sendBlock)
	<-errc

	if len(tr.sent) != 1 {
		t.Errorf("sent = %v; want only the first message", tr.sent)
	}
}

func TestSend_TransportFailureAppendsNotice(t *testing.T) {
	kv := session.NewMemoryStorage()
	tr := newFakeTransport()
	tr.sendErr = &transport.Error{Kind: transport.KindTransport, Op: "send", StatusCode: 500, Err: errors.New("boom")}
	c := newController(t, tr, kv, widget.Options{})
	before := c.Snapshot()

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	st := c.Snapshot()
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %v; want welcome + error notice", ids(st.Messages))
	}
	notice := st.Messages[1]
	if notice.Role != chat.RoleAssistant || !strings.HasPrefix(notice.ID, "local-") || !strings.Contains(notice.Text, "try again") {
		t.Errorf("notice = %+v", notice)
	}
	if st.AwaitingReply {
		t.Error("waiting flag not cleared after failure")
	}
	if st.SessionID != before.SessionID {
		t.Error("session id changed after a failed send")
	}
	if st.HighWaterMark != 0 {
		t.Error("a local notice must not move the high-water mark")
	}
	if tr.pollCount() != 0 {
		t.Error("no confirmation fetch after a failed send")
	}

	// The notice is persisted.
	reloaded := newController(t, newFakeTransport(), kv, widget.Options{})
	if len(reloaded.Snapshot().Messages) != 2 {
		t.Error("notice not persisted")
	}
}

func TestSend_RateLimited(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = transport.RateLimited("send")
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	c.Send(context.Background(), "Hello")

	st := c.Snapshot()
	if !st.RateLimited {
		t.Error("guard not engaged by a 429 on send")
	}
	if last := st.Messages[len(st.Messages)-1]; !strings.Contains(last.Text, "wait a moment") {
		t.Errorf("last message = %q; want the please-wait notice", last.Text)
	}
	if st.AwaitingReply {
		t.Error("waiting flag not cleared")
	}
}

func TestSend_SilentBlock(t *testing.T) {
	tr := newFakeTransport()
	tr.sendRes = &chat.SendResult{SilentBlock: true}
	tr.queue(&chat.Batch{Messages: []chat.Incoming{incoming(5, chat.RoleUser, "Hello")}})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	c.Send(context.Background(), "Hello")

	st := c.Snapshot()
	if st.AwaitingReply {
		t.Error("silent block must clear the waiting flag")
	}
	for _, m := range st.Messages[1:] {
		if m.Role != chat.RoleUser {
			t.Errorf("unexpected non-user message %+v", m)
		}
	}
}

func TestSend_OperatorModeClearsWaiting(t *testing.T) {
	tr := newFakeTransport()
	tr.sendRes = &chat.SendResult{OperatorMode: true}
	tr.queue(&chat.Batch{OperatorMode: true, Messages: []chat.Incoming{incoming(3, chat.RoleUser, "Hello")}})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	c.Send(context.Background(), "Hello")

	if !c.OperatorMode() {
		t.Error("operator mode not taken from the send response")
	}
	if c.AwaitingReply() {
		t.Error("waiting flag still set in operator mode")
	}
}

func TestSend_ConversationCompleted(t *testing.T) {
	tr := newFakeTransport()
	tr.sendRes = &chat.SendResult{Message: "This conversation has ended.", ConversationCompleted: true}
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	c.Send(context.Background(), "Hello")

	st := c.Snapshot()
	if !st.Completed {
		t.Error("polling not halted")
	}
	if last := st.Messages[len(st.Messages)-1]; last.Text != "This conversation has ended." {
		t.Errorf("last message = %q", last.Text)
	}
	if tr.pollCount() != 0 {
		t.Error("no confirmation fetch for a completed conversation")
	}
}

func TestSend_FallbackClearsWaiting(t *testing.T) {
	tr := newFakeTransport()
	tr.queue(&chat.Batch{Messages: []chat.Incoming{incoming(1, chat.RoleUser, "Hello")}})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{ReplyTimeout: 20 * time.Millisecond})

	c.Send(context.Background(), "Hello")
	if !c.AwaitingReply() {
		t.Fatal("waiting flag should stay set until a reply or the fallback")
	}
	waitFor(t, "fallback", func() bool { return !c.AwaitingReply() })
}

func TestPoll_MergesAndPersists(t *testing.T) {
	kv := session.NewMemoryStorage()
	tr := newFakeTransport()
	batch := &chat.Batch{
		OperatorMode: true,
		Messages: []chat.Incoming{
			incoming(10, chat.RoleUser, "Is anyone there?"),
			{ServerID: 11, Role: chat.RoleOperator, Content: "Yes, this is Sam.", IsAdminReply: true},
		},
	}
	tr.queue(batch)
	tr.queue(batch)
	c := newController(t, tr, kv, widget.Options{})

	out, err := c.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.NewMessages != 2 || out.Completed {
		t.Errorf("outcome = %+v", out)
	}
	select {
	case <-c.Changes():
	default:
		t.Error("no change notification")
	}

	// Re-delivery is a no-op.
	out, _ = c.Poll(context.Background())
	if out.NewMessages != 0 {
		t.Errorf("re-delivered batch appended %d messages", out.NewMessages)
	}
	if tr.polls[1].sinceID != 11 {
		t.Errorf("second poll cursor = %d; want 11", tr.polls[1].sinceID)
	}

	st := c.Snapshot()
	if !st.OperatorMode {
		t.Error("operator mode not taken from the batch")
	}
	if got := st.Messages[2]; got.ID != "admin-11" || !got.Timestamp.Equal(now) {
		t.Errorf("operator message = %+v; want admin-11 stamped with the local clock", got)
	}

	reloaded := newController(t, newFakeTransport(), kv, widget.Options{})
	rs := reloaded.Snapshot()
	if rs.SessionID != st.SessionID || len(rs.Messages) != 3 || !rs.OperatorMode || rs.HighWaterMark != 11 {
		t.Errorf("reloaded = %+v", rs)
	}
}

func TestPoll_ReportsCompletion(t *testing.T) {
	tr := newFakeTransport()
	tr.queue(&chat.Batch{Status: chat.StatusCompleted})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	out, err := c.Poll(context.Background())
	if err != nil || !out.Completed {
		t.Errorf("Poll = %+v, %v; want completed", out, err)
	}
}

func TestPoll_PropagatesErrors(t *testing.T) {
	tr := newFakeTransport()
	tr.batches = []batchResult{{err: transport.RateLimited("poll")}}
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	_, err := c.Poll(context.Background())
	if transport.KindOf(err) != transport.KindRateLimited {
		t.Errorf("err = %v; want rate limited", err)
	}
}

func TestPoll_DiscardsBatchAfterReset(t *testing.T) {
	tr := newFakeTransport()
	tr.pollBlock = make(chan struct{})
	tr.queue(&chat.Batch{Messages: []chat.Incoming{incoming(1, chat.RoleAssistant, "late reply")}})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{})

	done := make(chan poller.Outcome, 1)
	go func() {
		out, _ := c.Poll(context.Background())
		done <- out
	}()
	<-tr.pollEntered

	c.Reset(context.Background())
	close(tr.pollBlock)

	if out := <-done; out.NewMessages != 0 {
		t.Errorf("stale batch appended %d messages", out.NewMessages)
	}
	if st := c.Snapshot(); len(st.Messages) != 1 || st.HighWaterMark != 0 {
		t.Errorf("after reset = %v (hwm %d)", ids(st.Messages), st.HighWaterMark)
	}
}

func TestReset(t *testing.T) {
	kv := session.NewMemoryStorage()
	tr := newFakeTransport()
	tr.queue(&chat.Batch{OperatorMode: true, Messages: []chat.Incoming{
		incoming(1, chat.RoleUser, "Hello"),
		incoming(2, chat.RoleOperator, "Agent here"),
	}})
	tr.sendErr = transport.RateLimited("send")
	c := newController(t, tr, kv, widget.Options{})

	c.Poll(context.Background())
	c.Send(context.Background(), "again")
	before := c.Snapshot()
	if !before.RateLimited || !before.OperatorMode {
		t.Fatalf("setup: %+v", before)
	}

	c.Reset(context.Background())

	st := c.Snapshot()
	if st.SessionID == before.SessionID {
		t.Error("session id not regenerated")
	}
	if len(st.Messages) != 1 || st.Messages[0].ID != chat.WelcomeID {
		t.Errorf("messages = %v; want only the welcome entry", ids(st.Messages))
	}
	if st.OperatorMode || st.RateLimited || st.AwaitingReply || st.HighWaterMark != 0 {
		t.Errorf("state not cleared: %+v", st)
	}

	stored := session.NewStore(kv, session.Options{Now: func() time.Time { return now }})
	if got := stored.SessionID(context.Background()); got != st.SessionID {
		t.Errorf("persisted id = %q; want %q", got, st.SessionID)
	}
	if sess := stored.Load(context.Background()); sess == nil || len(sess.Messages) != 1 {
		t.Errorf("persisted session = %+v", sess)
	}
}

func TestOpenClose(t *testing.T) {
	tr := newFakeTransport()
	for i := 0; i < 100; i++ {
		tr.queue(&chat.Batch{OperatorMode: true})
	}
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{
		Now:    time.Now,
		Policy: poller.Policy{Fast: 5 * time.Millisecond, Base: 5 * time.Millisecond, Step: time.Millisecond, Max: 10 * time.Millisecond},
	})

	c.Open(context.Background())
	waitFor(t, "operator mode", c.OperatorMode)
	waitFor(t, "a few polls", func() bool { return tr.pollCount() >= 4 })

	c.Close()
	n := tr.pollCount()
	time.Sleep(30 * time.Millisecond)
	if tr.pollCount() != n {
		t.Errorf("polls grew from %d to %d after Close", n, tr.pollCount())
	}
}

func TestReset_RestartsPollingWhenOpen(t *testing.T) {
	tr := newFakeTransport()
	tr.queue(&chat.Batch{Status: chat.StatusCompleted})
	tr.queue(&chat.Batch{Status: chat.StatusCompleted})
	c := newController(t, tr, session.NewMemoryStorage(), widget.Options{
		Now:    time.Now,
		Policy: poller.Policy{Fast: 5 * time.Millisecond, Base: 5 * time.Millisecond, Step: time.Millisecond, Max: 10 * time.Millisecond},
	})
	defer c.Close()

	c.Open(context.Background())
	waitFor(t, "completion", func() bool { return c.Snapshot().Completed })

	c.Reset(context.Background())
	if c.Snapshot().Completed {
		t.Error("completed flag survived reset")
	}
	n := tr.pollCount()
	waitFor(t, "polling for the new session", func() bool { return tr.pollCount() > n })
}
