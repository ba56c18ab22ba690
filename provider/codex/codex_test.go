package codex

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/starlinghq/starling"
)

func reqWith(role, content string) starling.ChatRequest {
	return starling.ChatRequest{
		Messages: []starling.ChatMessage{{Role: starling.Role(role), Content: content}},
	}
}

func TestResolveModelAliases(t *testing.T) {
	p := New(&oauth2.Token{AccessToken: "t"}, "acct")
	cases := map[string]string{
		"":           DefaultModel,
		"codex":      DefaultModel,
		"gpt":        DefaultModel,
		"codex-mini": "gpt-5.2-codex-mini",
		"gpt-9":      "gpt-9",
	}
	for in, want := range cases {
		if got := p.ResolveModel(in); got != want {
			t.Errorf("%q -> %q, want %q", in, got, want)
		}
	}
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	p := New(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Hour)}, "acct")
	refreshed, err := p.EnsureFresh(context.Background())
	if refreshed || err != nil {
		t.Errorf("fresh token must not refresh: %v %v", refreshed, err)
	}
}

func TestEnsureFreshZeroExpirySkips(t *testing.T) {
	p := New(&oauth2.Token{AccessToken: "t"}, "acct")
	refreshed, err := p.EnsureFresh(context.Background())
	if refreshed || err != nil {
		t.Errorf("unknown expiry must not refresh: %v %v", refreshed, err)
	}
}

func TestBuildBodyRoles(t *testing.T) {
	body := buildBody(reqWith("assistant", "prev"), "m")
	items, _ := body["input"].([]wireItem)
	if len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Content[0].Type != "output_text" {
		t.Errorf("assistant content type = %q", items[0].Content[0].Type)
	}

	body = buildBody(reqWith("user", "hi"), "m")
	items, _ = body["input"].([]wireItem)
	if items[0].Content[0].Type != "input_text" {
		t.Errorf("user content type = %q", items[0].Content[0].Type)
	}
}
