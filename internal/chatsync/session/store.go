// Package session persists the widget conversation across process restarts.
//
// Two keys are written, matching what the browser widget keeps in
// localStorage: chatbot_session_id holds the bare session id and
// chatbot_session holds the JSON document with the message history. Storage
// failures never reach the caller; the in-memory session stays authoritative
// for the lifetime of the process.
package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/chatsync/internal/chatsync/chat"
)

const (
	// KeySessionID holds the current session id.
	KeySessionID = "chatbot_session_id"
	// KeySession holds the session document.
	KeySession = "chatbot_session"

	// DefaultMaxAge is how long an idle session survives.
	DefaultMaxAge = 24 * time.Hour
)

//go:embed session.schema.json
var schemaSource string

var documentSchema = jsonschema.MustCompileString("session.schema.json", schemaSource)

// document is the persisted JSON layout.
type document struct {
	SessionID           string        `json:"sessionId"`
	LastActivity        time.Time     `json:"lastActivity"`
	IsManualReplyActive bool          `json:"isManualReplyActive"`
	Messages            []messageJSON `json:"messages"`
}

type messageJSON struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Sender         chat.Role `json:"sender"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs *int64    `json:"responseTimeMs,omitempty"`
	IsAdminReply   bool      `json:"isAdminReply,omitempty"`
}

// Options tunes a Store. Zero values take defaults.
type Options struct {
	// MaxAge is the idle age after which a persisted session is discarded.
	MaxAge time.Duration
	// Now replaces time.Now, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// Store loads and saves the conversation.
type Store struct {
	kv     Storage
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a Store writing into kv.
func NewStore(kv Storage, opts Options) *Store {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		maxAge: opts.MaxAge,
		now:    opts.Now,
		logger: opts.Logger.With("component", "session"),
	}
}

// Load returns the persisted session, or nil when there is none, when it
// cannot be decoded, or when its last activity is older than MaxAge. Corrupt
// and expired documents are removed from storage; the caller should start a
// fresh session.
func (s *Store) Load(ctx context.Context) *chat.Session {
	raw, err := s.kv.Get(ctx, KeySession)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("load session failed", "err", err)
		return nil
	}

	doc, err := decode(raw)
	if err != nil {
		s.logger.Warn("discarding corrupt session", "err", err)
		s.Clear(ctx)
		return nil
	}

	if age := s.now().Sub(doc.LastActivity); age > s.maxAge {
		s.logger.Info("discarding stale session", "session_id", doc.SessionID, "age", age.Round(time.Second))
		s.Clear(ctx)
		return nil
	}

	sess := &chat.Session{
		ID:           doc.SessionID,
		LastActivity: doc.LastActivity,
		OperatorMode: doc.IsManualReplyActive,
		Messages:     make([]chat.Message, 0, len(doc.Messages)),
	}
	for _, m := range doc.Messages {
		sess.Messages = append(sess.Messages, chat.Message{
			ID:             m.ID,
			Text:           m.Text,
			Role:           m.Sender,
			Timestamp:      m.Timestamp,
			ResponseTimeMs: m.ResponseTimeMs,
			IsAdminReply:   m.IsAdminReply,
		})
	}
	// The mark is rebuilt from the ids rather than trusted from the
	// document, which does not store it.
	sess.HighWaterMark = chat.MaxServerID(sess.Messages)
	return sess
}

// SessionID returns the last persisted session id, or "" when none is stored.
// The id key can outlive the document, for instance when another writer
// removed only chatbot_session.
func (s *Store) SessionID(ctx context.Context) string {
	id, err := s.kv.Get(ctx, KeySessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("load session id failed", "err", err)
		}
		return ""
	}
	return id
}

// Save writes the full session. A zero LastActivity is stamped with the
// current time. Errors are logged and dropped.
func (s *Store) Save(ctx context.Context, sess *chat.Session) {
	if sess == nil {
		return
	}
	doc := document{
		SessionID:           sess.ID,
		LastActivity:        sess.LastActivity,
		IsManualReplyActive: sess.OperatorMode,
		Messages:            make([]messageJSON, 0, len(sess.Messages)),
	}
	if doc.LastActivity.IsZero() {
		doc.LastActivity = s.now()
	}
	for _, m := range sess.Messages {
		doc.Messages = append(doc.Messages, messageJSON{
			ID:             m.ID,
			Text:           m.Text,
			Sender:         m.Role,
			Timestamp:      m.Timestamp,
			ResponseTimeMs: m.ResponseTimeMs,
			IsAdminReply:   m.IsAdminReply,
		})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn("encode session failed", "session_id", sess.ID, "err", err)
		return
	}
	if err := s.kv.Set(ctx, KeySession, string(raw)); err != nil {
		s.logger.Warn("save session failed", "session_id", sess.ID, "err", err)
		return
	}
	if err := s.kv.Set(ctx, KeySessionID, sess.ID); err != nil {
		s.logger.Warn("save session id failed", "session_id", sess.ID, "err", err)
	}
}

// Clear removes the session document and id.
func (s *Store) Clear(ctx context.Context) {
	for _, key := range []string{KeySession, KeySessionID} {
		if err := s.kv.Delete(ctx, key); err != nil {
			s.logger.Warn("clear session failed", "key", key, "err", err)
		}
	}
}

// decode validates raw against the session schema and unmarshals it.
func decode(raw string) (*document, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if err := documentSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("validate session: %w", err)
	}

	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &doc, nil
}
