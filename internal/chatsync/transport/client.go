// Package transport is the HTTP client for the chatbot backend used by the
// widget: one endpoint to send a user message, one to poll for messages newer
// than a cursor.
//
// Raw server messages are decoded into chat.Incoming here, including the role
// variant, so nothing above this package inspects message_type strings or
// HTTP status codes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/chatsync/common/trace"
	"github.com/bdobrica/chatsync/common/version"
	"github.com/bdobrica/chatsync/internal/chatsync/chat"
)

const (
	defaultTimeout = 15 * time.Second

	sendPath     = "/api/chatbot/message/"
	messagesPath = "/api/chatbot/messages/"
)

// Options tunes a Client.
type Options struct {
	// Timeout bounds every request. Defaults to 15s.
	Timeout time.Duration
	// HTTPClient replaces the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to one chatbot backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for baseURL, e.g. "https://example.co.uk".
func New(baseURL string, opts ...Options) *Client {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	hc := o.HTTPClient
	if hc == nil {
		timeout := o.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

// sendRequest is the body of POST /api/chatbot/message/.
type sendRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// sendResponse is returned by POST /api/chatbot/message/.
type sendResponse struct {
	Message               string `json:"message"`
	ResponseTimeMs        int64  `json:"response_time_ms"`
	SessionID             string `json:"session_id"`
	ManualReplyActive     bool   `json:"manual_reply_active"`
	SilentBlock           bool   `json:"silent_block"`
	ConversationCompleted bool   `json:"conversation_completed"`
	Status                string `json:"status"`
}

// rawMessage is one entry of GET /api/chatbot/messages/.
type rawMessage struct {
	ID             int64  `json:"id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	IsAdminReply   bool   `json:"is_admin_reply"`
	Timestamp      string `json:"timestamp"`
	ResponseTimeMs *int64 `json:"response_time_ms"`
}

// messagesResponse is returned by GET /api/chatbot/messages/.
type messagesResponse struct {
	Messages          []rawMessage `json:"messages"`
	ManualReplyActive bool         `json:"manual_reply_active"`
	Status            string       `json:"status"`
}

// errorResponse is the body the backend sends with 4xx/5xx statuses.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// SendMessage posts a user message for sessionID.
func (c *Client) SendMessage(ctx context.Context, text, sessionID string) (*chat.SendResult, error) {
	var resp sendResponse
	if err := c.post(ctx, "send", sendPath, sendRequest{Message: text, SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return &chat.SendResult{
		Message:               resp.Message,
		ResponseTimeMs:        resp.ResponseTimeMs,
		OperatorMode:          resp.ManualReplyActive,
		SilentBlock:           resp.SilentBlock,
		ConversationCompleted: resp.ConversationCompleted || resp.Status == chat.StatusCompleted,
	}, nil
}

// LatestMessages fetches the messages of sessionID with an id greater than
// sinceID. A zero sinceID asks for the most recent page.
func (c *Client) LatestMessages(ctx context.Context, sessionID string, sinceID int64) (*chat.Batch, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	if sinceID > 0 {
		q.Set("last_message_id", strconv.FormatInt(sinceID, 10))
	}

	var resp messagesResponse
	if err := c.get(ctx, "poll", messagesPath+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	batch := &chat.Batch{
		Messages:     make([]chat.Incoming, 0, len(resp.Messages)),
		OperatorMode: resp.ManualReplyActive,
		Status:       resp.Status,
	}
	for _, m := range resp.Messages {
		batch.Messages = append(batch.Messages, decodeMessage(m))
	}
	return batch, nil
}

func decodeMessage(m rawMessage) chat.Incoming {
	in := chat.Incoming{
		ServerID:     m.ID,
		Content:      m.Content,
		Role:         chat.DecodeRole(m.MessageType, m.IsAdminReply),
		IsAdminReply: m.IsAdminReply,
	}
	if ts, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		in.Timestamp = ts
	}
	// Latency only means something for replies, and the backend reports 0
	// for "not measured".
	if in.Role != chat.RoleUser && m.ResponseTimeMs != nil && *m.ResponseTimeMs > 0 {
		in.ResponseTimeMs = m.ResponseTimeMs
	}
	return in
}

// --- internal helpers ---

func (c *Client) get(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	return c.do(op, req, out)
}

func (c *Client) post(ctx context.Context, op, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if id := trace.FromContext(req.Context()); id != "" {
		req.Header.Set(trace.Header, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Op: op, StatusCode: resp.StatusCode, Err: errRateLimited}
	}
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			return &Error{Kind: KindTransport, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, errResp.Error)}
		}
		return &Error{Kind: KindTransport, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: KindTransport, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}
	return nil
}
