package starling

import (
	"fmt"
	"strings"
	"time"
)

// ErrLLM is a provider-level failure that is not an HTTP status error
// (auth failure, malformed response, refresh failure).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP error response from a provider API.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrChildExited signals that the interpreter thread died. Terminal for the
// owning Session.
type ErrChildExited struct{}

func (e *ErrChildExited) Error() string { return "interpreter runtime exited unexpectedly" }

// ErrProtocol signals an unexpected response kind on the interpreter wire.
// Terminal for the owning Session.
type ErrProtocol struct {
	Detail string
}

func (e *ErrProtocol) Error() string { return "protocol error: " + e.Detail }

// isTransientLLM reports whether an LLM error message describes a condition
// worth retrying: rate limits, gateway errors, or overload markers.
func isTransientLLM(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"429", "502", "503", "rate", "overloaded", "temporarily"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
