// Package resolve maps configured provider names to constructed
// starling.Provider values.
package resolve

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/starlinghq/starling"
	"github.com/starlinghq/starling/provider/claude"
	"github.com/starlinghq/starling/provider/codex"
	"github.com/starlinghq/starling/provider/openrouter"
)

// Credentials carries everything a provider constructor might need. API-key
// providers read APIKey; OAuth providers read the token triple.
type Credentials struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	// ExpiresAt is Unix seconds; zero means unknown.
	ExpiresAt int64
	// AccountID is the codex ChatGPT account id.
	AccountID string
	// OnRefresh is invoked with the rotated token so the embedder can
	// persist it.
	OnRefresh func(*oauth2.Token)
}

// oauthToken builds the stored token for OAuth providers.
func (c Credentials) oauthToken() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
	}
	if c.ExpiresAt > 0 {
		t.Expiry = time.Unix(c.ExpiresAt, 0)
	}
	return t
}

// New constructs the named provider. Supported names: "openrouter",
// "claude", "codex".
func New(name string, creds Credentials, logger *slog.Logger) (starling.Provider, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch name {
	case "openrouter":
		if creds.APIKey == "" {
			return nil, fmt.Errorf("resolve: openrouter requires an api key")
		}
		return openrouter.New(creds.APIKey, openrouter.WithLogger(logger)), nil
	case "claude":
		if creds.AccessToken == "" {
			return nil, fmt.Errorf("resolve: claude requires oauth credentials")
		}
		opts := []claude.Option{claude.WithLogger(logger)}
		if creds.OnRefresh != nil {
			opts = append(opts, claude.OnRefresh(creds.OnRefresh))
		}
		return claude.New(creds.oauthToken(), opts...), nil
	case "codex":
		if creds.AccessToken == "" {
			return nil, fmt.Errorf("resolve: codex requires oauth credentials")
		}
		opts := []codex.Option{codex.WithLogger(logger)}
		if creds.OnRefresh != nil {
			opts = append(opts, codex.OnRefresh(creds.OnRefresh))
		}
		return codex.New(creds.oauthToken(), creds.AccountID, opts...), nil
	}
	return nil, fmt.Errorf("resolve: unknown provider %q", name)
}
