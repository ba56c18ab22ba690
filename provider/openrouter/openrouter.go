// Package openrouter implements starling.Provider for the OpenRouter API
// (and any other OpenAI-compatible chat completions endpoint).
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/starlinghq/starling"
	"github.com/starlinghq/starling/provider/sse"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// DefaultModel is used when no model is configured.
const DefaultModel = "anthropic/claude-sonnet-4.5"

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base (e.g. a self-hosted gateway).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider implements starling.Provider over the OpenAI-compatible chat
// completions API with SSE streaming.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ starling.Provider = (*Provider)(nil)

// New creates an OpenRouter provider authenticated by API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "openrouter".
func (p *Provider) Name() string { return "openrouter" }

// DefaultModel returns the fallback model identifier.
func (p *Provider) DefaultModel() string { return DefaultModel }

// ResolveModel passes configured names through unchanged: OpenRouter model
// identifiers are already fully qualified ("vendor/model").
func (p *Provider) ResolveModel(model string) string {
	if model == "" {
		return DefaultModel
	}
	return model
}

// EnsureFresh is a no-op: API keys do not expire.
func (p *Provider) EnsureFresh(context.Context) (bool, error) { return false, nil }

// --- wire types ---

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireBody struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type wireChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// buildBody assembles the request payload. Images attach to the last user
// message as data URLs.
func buildBody(req starling.ChatRequest, model string) wireBody {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	if len(req.Images) > 0 && len(msgs) > 0 {
		type imagePart struct {
			Type     string `json:"type"`
			Text     string `json:"text,omitempty"`
			ImageURL *struct {
				URL string `json:"url"`
			} `json:"image_url,omitempty"`
		}
		last := &msgs[len(msgs)-1]
		parts := []imagePart{{Type: "text", Text: fmt.Sprintf("%v", last.Content)}}
		for _, img := range req.Images {
			p := imagePart{Type: "image_url"}
			p.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: "data:" + img.MIME + ";base64," + img.Base64}
			parts = append(parts, p)
		}
		last.Content = parts
	}
	body := wireBody{Model: model, Messages: msgs, Stream: true}
	body.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}
	return body
}

// StreamChat performs one streaming completion call. Each send on ch is the
// full accumulated text so far; the channel is closed before returning.
func (p *Provider) StreamChat(ctx context.Context, req starling.ChatRequest, ch chan<- string) (starling.ChatResponse, error) {
	defer close(ch)

	model := p.ResolveModel(req.Model)
	payload, err := json.Marshal(buildBody(req, model))
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("openrouter: encode body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("openrouter: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return starling.ChatResponse{}, httpError(resp)
	}

	result, err := streamSSE(ctx, resp.Body, ch)
	if err != nil {
		return starling.ChatResponse{}, err
	}
	p.logger.Debug("openrouter: stream complete", "model", model,
		"chars", len(result.Content), "duration", time.Since(start))
	return result, nil
}

// streamSSE reads the SSE body, accumulating content deltas and forwarding
// the growing text. The caller derives per-chunk deltas from the growth.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (starling.ChatResponse, error) {
	var content bytes.Buffer
	var usage starling.TokenUsage

	for line, err := range sse.Lines(body) {
		if err != nil {
			return starling.ChatResponse{}, err
		}
		if line == "[DONE]" {
			break
		}
		var chunk wireChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue // skip malformed chunks
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CachedInputTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			select {
			case ch <- content.String():
			case <-ctx.Done():
				return starling.ChatResponse{}, ctx.Err()
			}
		}
	}
	return starling.ChatResponse{Content: content.String(), Usage: usage}, nil
}

// httpError converts a non-200 response to a typed error, parsing a
// Retry-After header when present.
func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &starling.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
