package starling

import "context"

// Provider abstracts the LLM backend.
//
// StreamChat writes monotonically growing accumulated response text into ch
// (each send is the full text so far; the caller derives the delta from the
// previous length) and returns the final response with usage once the
// stream ends. The channel is closed before returning. Cancelling ctx ends
// the stream without a usage record.
type Provider interface {
	// Name returns the provider name (e.g. "openrouter", "claude").
	Name() string
	// DefaultModel returns the model used when none is configured.
	DefaultModel() string
	// ResolveModel maps a configured model name to the provider-specific
	// identifier sent on the wire.
	ResolveModel(model string) string
	// EnsureFresh refreshes credentials when they are within five minutes
	// of expiry. Returns true when credentials changed and the caller
	// should persist them. API-key providers return (false, nil).
	EnsureFresh(ctx context.Context) (bool, error)
	// StreamChat performs one streaming completion call.
	StreamChat(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
}
