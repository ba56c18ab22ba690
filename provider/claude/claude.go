// Package claude implements starling.Provider for the Anthropic API using
// OAuth credentials. The browser login flow lives with the embedder; this
// package only consumes stored tokens and keeps them fresh.
package claude

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

	"golang.org/x/oauth2"

	"github.com/starlinghq/starling"
	"github.com/starlinghq/starling/provider/sse"
)

const (
	apiURL     = "https://api.anthropic.com/v1/messages"
	tokenURL   = "https://console.anthropic.com/v1/oauth/token"
	clientID   = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	apiVersion = "2023-06-01"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// refreshSkew refreshes tokens this long before they actually expire.
const refreshSkew = 300 * time.Second

// maxOutputTokens bounds a single completion.
const maxOutputTokens = 32_000

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// OnRefresh registers a callback invoked with the new token after a
// successful refresh so the embedder can persist it.
func OnRefresh(fn func(*oauth2.Token)) Option {
	return func(p *Provider) { p.onRefresh = fn }
}

// Provider implements starling.Provider over the Anthropic messages API.
type Provider struct {
	token     *oauth2.Token
	client    *http.Client
	logger    *slog.Logger
	onRefresh func(*oauth2.Token)
}

var _ starling.Provider = (*Provider)(nil)

// New creates a Claude provider from a stored OAuth token.
func New(token *oauth2.Token, opts ...Option) *Provider {
	p := &Provider{
		token:  token,
		client: &http.Client{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "claude".
func (p *Provider) Name() string { return "claude" }

// DefaultModel returns the fallback model identifier.
func (p *Provider) DefaultModel() string { return DefaultModel }

// ResolveModel expands the short aliases users configure.
func (p *Provider) ResolveModel(model string) string {
	switch model {
	case "":
		return DefaultModel
	case "opus":
		return "claude-opus-4-6"
	case "sonnet":
		return "claude-sonnet-4-5"
	case "haiku":
		return "claude-haiku-4-5"
	}
	return model
}

// EnsureFresh refreshes the access token when it is within five minutes of
// expiry. Returns true when the token changed and should be persisted.
func (p *Provider) EnsureFresh(ctx context.Context) (bool, error) {
	if p.token.Expiry.IsZero() || time.Now().Add(refreshSkew).Before(p.token.Expiry) {
		return false, nil
	}
	if p.token.RefreshToken == "" {
		return false, &starling.ErrLLM{Provider: "claude", Message: "token expired and no refresh token stored"}
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": p.token.RefreshToken,
		"client_id":     clientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("claude: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("claude: refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &starling.ErrLLM{Provider: "claude", Message: fmt.Sprintf("token refresh failed: http %d: %s", resp.StatusCode, data)}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("claude: decode refresh response: %w", err)
	}

	refresh := payload.RefreshToken
	if refresh == "" {
		refresh = p.token.RefreshToken // not rotated
	}
	p.token = &oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: refresh,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	p.logger.Info("claude: token refreshed", "expires", p.token.Expiry)
	if p.onRefresh != nil {
		p.onRefresh(p.token)
	}
	return true, nil
}

// Token returns the current OAuth token.
func (p *Provider) Token() *oauth2.Token { return p.token }

// --- wire types ---

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message *struct {
		Usage *wireUsage `json:"usage"`
	} `json:"message"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// buildBody assembles the messages payload. The Anthropic API rejects
// system-role messages in the list; rendered system feedback travels as
// user messages, the preamble as the top-level system field.
func buildBody(req starling.ChatRequest, model string) map[string]any {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := string(m.Role)
		if role == "system" {
			role = "user"
		}
		msgs = append(msgs, wireMessage{Role: role, Content: m.Content})
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxOutputTokens,
		"messages":   msgs,
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	return body
}

// StreamChat performs one streaming completion call. Each send on ch is the
// full accumulated text so far; the channel is closed before returning.
func (p *Provider) StreamChat(ctx context.Context, req starling.ChatRequest, ch chan<- string) (starling.ChatResponse, error) {
	defer close(ch)

	model := p.ResolveModel(req.Model)
	payload, err := json.Marshal(buildBody(req, model))
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("claude: encode body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("claude: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.token.AccessToken)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("claude: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := &starling.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return starling.ChatResponse{}, e
	}

	var content bytes.Buffer
	var usage starling.TokenUsage
	for line, err := range sse.Lines(resp.Body) {
		if err != nil {
			return starling.ChatResponse{}, err
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.CachedInputTokens = ev.Message.Usage.CacheReadInputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				content.WriteString(ev.Delta.Text)
				select {
				case ch <- content.String():
				case <-ctx.Done():
					return starling.ChatResponse{}, ctx.Err()
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			if ev.Error != nil {
				return starling.ChatResponse{}, &starling.ErrLLM{Provider: "claude", Message: ev.Error.Type + ": " + ev.Error.Message}
			}
		}
	}

	return starling.ChatResponse{Content: content.String(), Usage: usage}, nil
}
