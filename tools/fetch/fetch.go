// Package fetch provides the web fetch tool: it downloads a page and
// extracts its readable text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/text/unicode/norm"

	"github.com/starlinghq/starling"
)

// maxBodyBytes caps the downloaded page size.
const maxBodyBytes = 10 * 1024 * 1024

// maxTextChars caps the extracted text returned to the REPL.
const maxTextChars = 100_000

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

// Provider implements the fetch tool.
type Provider struct {
	client *http.Client
	logger *slog.Logger
}

var _ starling.ToolProvider = (*Provider)(nil)

// New creates the fetch provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Definitions exposes the fetch tool.
func (p *Provider) Definitions() []starling.ToolDefinition {
	return []starling.ToolDefinition{{
		Name:        "fetch",
		Description: "Fetch a web page and return its readable text content.",
		Params: []starling.ToolParam{
			{Name: "url", Type: "string", Required: true},
			{Name: "raw", Type: "boolean", Required: false, Description: "return raw body instead of extracted text"},
		},
		Returns: `{"title": ..., "text": ..., "url": ...}`,
	}}
}

// Execute runs the fetch tool.
func (p *Provider) Execute(ctx context.Context, name string, args map[string]any) (starling.ToolResult, error) {
	if name != "fetch" {
		return starling.FailResult("unknown tool: %s", name), nil
	}
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return starling.FailResult("fetch: missing 'url'"), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return starling.FailResult("fetch: invalid url %q", rawURL), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return starling.FailResult("fetch: %v", err), nil
	}
	req.Header.Set("User-Agent", "starling/1.0")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return starling.FailResult("fetch: %v", err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return starling.FailResult("fetch: http %d for %s", resp.StatusCode, rawURL), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return starling.FailResult("fetch: read body: %v", err), nil
	}
	p.logger.Debug("fetch: downloaded", "url", rawURL, "bytes", len(body), "duration", time.Since(start))

	if raw, _ := args["raw"].(bool); raw {
		return starling.OKResult(map[string]any{
			"url":  rawURL,
			"text": truncate(string(body), maxTextChars),
		}), nil
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		// Extraction failure is not fatal: fall back to the raw body.
		return starling.OKResult(map[string]any{
			"url":  rawURL,
			"text": truncate(string(body), maxTextChars),
		}), nil
	}

	return starling.OKResult(map[string]any{
		"title": article.Title,
		"text":  truncate(norm.NFC.String(article.TextContent), maxTextChars),
		"url":   rawURL,
	}), nil
}

// truncate limits s to n runes with a marker.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + fmt.Sprintf("\n... (truncated, %d chars total)", len(r))
}
