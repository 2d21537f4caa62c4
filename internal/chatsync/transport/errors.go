package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind int

const (
	// KindNone means no error.
	KindNone Kind = iota
	// KindRateLimited is an HTTP 429: transient, back off and retry.
	KindRateLimited
	// KindTransport covers everything else: dial failures, other error
	// statuses, undecodable bodies.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var errRateLimited = errors.New("too many requests")

// Error is returned by every Client method on failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chatbot %s (%s, status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chatbot %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Errors that did not come from this package are
// KindTransport; nil is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransport
}

// RateLimited builds the error a Client returns for HTTP 429. Fakes in tests
// use it to simulate throttling.
func RateLimited(op string) error {
	return &Error{Kind: KindRateLimited, Op: op, StatusCode: 429, Err: errRateLimited}
}
