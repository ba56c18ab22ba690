package starling

import (
	"context"
	"errors"
	"time"
)

// llmMaxRetries is the number of retry attempts after the first failure.
const llmMaxRetries = 3

// llmRetryDelays is the fixed backoff ladder between attempts.
var llmRetryDelays = [llmMaxRetries]time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// llmStreamTimeout bounds the gap between consecutive stream deltas.
const llmStreamTimeout = 120 * time.Second

// isRetryable reports whether an LLM error is provider-transient: a rate
// limit, a gateway error, or an overload marker. Auth and protocol failures
// are never retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status == 502 || httpErr.Status == 503
	}
	return isTransientLLM(err.Error())
}

// retrySleep waits out the backoff delay for retry attempt i (0-indexed),
// honouring a server-provided Retry-After when it is longer. Returns false
// if ctx was cancelled while waiting.
func retrySleep(ctx context.Context, i int, err error) bool {
	if i >= llmMaxRetries {
		return false
	}
	delay := llmRetryDelays[i]
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
		delay = httpErr.RetryAfter
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
