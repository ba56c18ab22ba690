package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/starlinghq/starling"
)

func TestResolveModelAliases(t *testing.T) {
	p := New(&oauth2.Token{AccessToken: "t"})
	cases := map[string]string{
		"":            DefaultModel,
		"sonnet":      "claude-sonnet-4-5",
		"opus":        "claude-opus-4-6",
		"haiku":       "claude-haiku-4-5",
		"claude-x-99": "claude-x-99",
	}
	for in, want := range cases {
		if got := p.ResolveModel(in); got != want {
			t.Errorf("%q -> %q, want %q", in, got, want)
		}
	}
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	p := New(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Hour)})
	refreshed, err := p.EnsureFresh(context.Background())
	if refreshed || err != nil {
		t.Errorf("fresh token must not refresh: %v %v", refreshed, err)
	}
}

func TestEnsureFreshNoRefreshToken(t *testing.T) {
	p := New(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Minute)})
	if _, err := p.EnsureFresh(context.Background()); err == nil {
		t.Error("expiring token without refresh token must error")
	}
}

func TestStreamChatParsesEvents(t *testing.T) {
	body := `data: {"type":"message_start","message":{"usage":{"input_tokens":9,"cache_read_input_tokens":2}}}

data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi "}}

data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}

data: {"type":"message_delta","usage":{"output_tokens":6}}
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["system"] != "be brief" {
			t.Errorf("system = %v", payload["system"])
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	p := New(&oauth2.Token{AccessToken: "tok"})
	// Point the provider at the test server via a rewriting transport.
	p.client = &http.Client{Transport: rewriteTo(srv.URL)}

	ch := make(chan string, 16)
	go func() {
		for range ch {
		}
	}()
	resp, err := p.StreamChat(context.Background(), starling.ChatRequest{
		System:   "be brief",
		Messages: []starling.ChatMessage{{Role: starling.RoleUser, Content: "hello"}},
	}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 6 || resp.Usage.CachedInputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// rewriteTo redirects every request to the test server.
func rewriteTo(base string) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		target := base + req.URL.Path
		clone := req.Clone(req.Context())
		u, err := clone.URL.Parse(target)
		if err != nil {
			return nil, err
		}
		clone.URL = u
		clone.Host = u.Host
		return http.DefaultTransport.RoundTrip(clone)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
