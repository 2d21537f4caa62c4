// Package chat holds the conversation data model shared by the sync engine:
// roles, messages, sessions and the composite message ids used for
// de-duplication.
package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleOperator is a human agent who took over from the automated
	// responder. Its persisted value is "admin".
	RoleOperator Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleOperator:
		return true
	default:
		return false
	}
}

// DecodeRole maps the server's message_type / is_admin_reply pair onto a Role.
// Unknown message types are treated as automated replies.
func DecodeRole(messageType string, isAdminReply bool) Role {
	switch {
	case isAdminReply || messageType == "admin":
		return RoleOperator
	case messageType == "user":
		return RoleUser
	default:
		return RoleAssistant
	}
}

// Message is one entry of a conversation as shown to the user.
type Message struct {
	ID             string
	Text           string
	Role           Role
	Timestamp      time.Time
	ResponseTimeMs *int64
	IsAdminReply   bool
}

// Incoming is a server message decoded at the transport boundary.
type Incoming struct {
	ServerID int64
	Content  string
	Role     Role
	// Timestamp is zero when the server omitted it or sent something
	// unparseable.
	Timestamp      time.Time
	ResponseTimeMs *int64
	IsAdminReply   bool
}

// Batch is the result of one getLatestMessages call.
type Batch struct {
	Messages     []Incoming
	OperatorMode bool
	Status       string
}

// Completed reports whether the server has closed the conversation.
func (b *Batch) Completed() bool {
	return b.Status == StatusCompleted
}

// SendResult is the result of one sendMessage call.
type SendResult struct {
	Message        string
	ResponseTimeMs int64
	OperatorMode   bool
	SilentBlock    bool
	// ConversationCompleted is set when the server refused the message
	// because the conversation already ended.
	ConversationCompleted bool
}

// StatusCompleted is the conversation status that ends polling for good.
const StatusCompleted = "completed"

// Session is a locally held conversation.
type Session struct {
	ID            string
	Messages      []Message
	LastActivity  time.Time
	OperatorMode  bool
	HighWaterMark int64
}

// Clone returns a deep copy of s safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// CompositeID derives the de-duplication key of a server message.
func CompositeID(role Role, serverID int64) string {
	return string(role) + "-" + strconv.FormatInt(serverID, 10)
}

// ServerID recovers the server-assigned id from a composite id. Ids that do
// not start with a known role (welcome entries, local errors) report false.
func ServerID(compositeID string) (int64, bool) {
	i := strings.LastIndexByte(compositeID, '-')
	if i <= 0 || i == len(compositeID)-1 {
		return 0, false
	}
	if !Role(compositeID[:i]).Valid() {
		return 0, false
	}
	n, err := strconv.ParseInt(compositeID[i+1:], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// MaxServerID returns the largest server id found among the message ids, or
// 0 when there is none.
func MaxServerID(msgs []Message) int64 {
	var max int64
	for _, m := range msgs {
		if n, ok := ServerID(m.ID); ok && n > max {
			max = n
		}
	}
	return max
}

// WelcomeID is the id of the synthetic greeting that opens every session.
const WelcomeID = "welcome"

// Welcome builds the synthetic greeting entry.
func Welcome(text string, now time.Time) Message {
	return Message{
		ID:        WelcomeID,
		Text:      text,
		Role:      RoleAssistant,
		Timestamp: now,
	}
}

// Local builds an assistant-role message that never existed on the server,
// such as a send failure notice.
func Local(text string, now time.Time) Message {
	return Message{
		ID:        fmt.Sprintf("local-%d", now.UnixNano()),
		Text:      text,
		Role:      RoleAssistant,
		Timestamp: now,
	}
}

// NewSessionID returns a fresh id of the form session_<unix ms>_<random>.
func NewSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), random)
}

// NewSession starts a conversation holding only the welcome entry. An empty
// id generates a new one.
func NewSession(id, welcome string, now time.Time) *Session {
	if id == "" {
		id = NewSessionID(now)
	}
	return &Session{
		ID:           id,
		Messages:     []Message{Welcome(welcome, now)},
		LastActivity: now,
	}
}
