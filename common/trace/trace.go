// Package trace carries a correlation id on the context so that every log
// line and outgoing request of one poll cycle or send can be tied together.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Header is the HTTP header the id is propagated in.
const Header = "X-Trace-ID"

type traceKey struct{}

// NewID returns a random id prefixed with kind, e.g. "poll_3f9a...".
func NewID(kind string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", kind, time.Now().UnixNano())
	}
	return kind + "_" + hex.EncodeToString(b)
}

// WithID returns a child context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// Start is shorthand for WithID(ctx, NewID(kind)).
func Start(ctx context.Context, kind string) context.Context {
	return WithID(ctx, NewID(kind))
}

// FromContext extracts the id from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
