// Package codex implements starling.Provider for the OpenAI Codex backend
// using device-code OAuth credentials. The device-code enrolment flow lives
// with the embedder; this package consumes stored tokens, keeps them fresh,
// and streams responses-API events.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/starlinghq/starling"
	"github.com/starlinghq/starling/provider/sse"
)

const (
	apiURL   = "https://chatgpt.com/backend-api/codex/responses"
	tokenURL = "https://auth.openai.com/oauth/token"
	clientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-5.2-codex"

// refreshSkew refreshes tokens this long before they actually expire.
const refreshSkew = 300 * time.Second

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

// Provider implements starling.Provider over the Codex responses API.
type Provider struct {
	token     *oauth2.Token
	accountID string
	client    *http.Client
	logger    *slog.Logger
	onRefresh func(*oauth2.Token)
}

var _ starling.Provider = (*Provider)(nil)

// New creates a Codex provider from a stored OAuth token and ChatGPT
// account id.
func New(token *oauth2.Token, accountID string, opts ...Option) *Provider {
	p := &Provider{
		token:     token,
		accountID: accountID,
		client:    &http.Client{},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "codex".
func (p *Provider) Name() string { return "codex" }

// DefaultModel returns the fallback model identifier.
func (p *Provider) DefaultModel() string { return DefaultModel }

// ResolveModel expands the short aliases users configure.
func (p *Provider) ResolveModel(model string) string {
	switch model {
	case "":
		return DefaultModel
	case "codex", "gpt":
		return DefaultModel
	case "codex-mini":
		return "gpt-5.2-codex-mini"
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
		return false, &starling.ErrLLM{Provider: "codex", Message: "token expired and no refresh token stored"}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.token.RefreshToken},
		"client_id":     {clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return false, fmt.Errorf("codex: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("codex: refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &starling.ErrLLM{Provider: "codex", Message: fmt.Sprintf("token refresh failed: http %d: %s", resp.StatusCode, data)}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("codex: decode refresh response: %w", err)
	}

	refresh := payload.RefreshToken
	if refresh == "" {
		refresh = p.token.RefreshToken
	}
	p.token = &oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: refresh,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	p.logger.Info("codex: token refreshed", "expires", p.token.Expiry)
	if p.onRefresh != nil {
		p.onRefresh(p.token)
	}
	return true, nil
}

// Token returns the current OAuth token.
func (p *Provider) Token() *oauth2.Token { return p.token }

// --- wire types ---

type wireItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type wireEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response *struct {
		Usage *struct {
			InputTokens        int64 `json:"input_tokens"`
			OutputTokens       int64 `json:"output_tokens"`
			InputTokensDetails *struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"input_tokens_details"`
		} `json:"usage"`
	} `json:"response"`
}

// buildBody assembles the responses-API payload.
func buildBody(req starling.ChatRequest, model string) map[string]any {
	items := make([]wireItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := string(m.Role)
		contentType := "input_text"
		if role == "assistant" {
			contentType = "output_text"
		}
		items = append(items, wireItem{
			Type: "message",
			Role: role,
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: contentType, Text: m.Content}},
		})
	}
	body := map[string]any{
		"model":  model,
		"input":  items,
		"stream": true,
		"store":  false,
	}
	if req.System != "" {
		body["instructions"] = req.System
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
		return starling.ChatResponse{}, fmt.Errorf("codex: encode body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("codex: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.token.AccessToken)
	if p.accountID != "" {
		httpReq.Header.Set("chatgpt-account-id", p.accountID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return starling.ChatResponse{}, fmt.Errorf("codex: %w", err)
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
		if line == "[DONE]" {
			break
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				content.WriteString(ev.Delta)
				select {
				case ch <- content.String():
				case <-ctx.Done():
					return starling.ChatResponse{}, ctx.Err()
				}
			}
		case "response.completed":
			if ev.Response != nil && ev.Response.Usage != nil {
				usage.InputTokens = ev.Response.Usage.InputTokens
				usage.OutputTokens = ev.Response.Usage.OutputTokens
				if ev.Response.Usage.InputTokensDetails != nil {
					usage.CachedInputTokens = ev.Response.Usage.InputTokensDetails.CachedTokens
				}
			}
		case "response.failed":
			return starling.ChatResponse{}, &starling.ErrLLM{Provider: "codex", Message: "response failed"}
		}
	}

	return starling.ChatResponse{Content: content.String(), Usage: usage}, nil
}
