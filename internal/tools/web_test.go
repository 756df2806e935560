package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebFetch_SimplifiesHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><h1>Title</h1><p>First &amp; second.</p><!-- hidden --></body></html>`)
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	res := tool.Execute(context.Background(), chatCall(1, map[string]any{"url": srv.URL}))
	if res.IsError {
		t.Fatalf("fetch: %+v", res)
	}
	if !strings.Contains(res.Content, "Title") || !strings.Contains(res.Content, "First & second.") {
		t.Fatalf("content not simplified: %q", res.Content)
	}
	if strings.Contains(res.Content, "alert") || strings.Contains(res.Content, "color:red") {
		t.Fatalf("script/style leaked: %q", res.Content)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status code: %d", res.StatusCode)
	}
}

func TestWebFetch_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	res := tool.Execute(context.Background(), chatCall(1, map[string]any{"url": srv.URL}))
	if !res.IsError || res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 error result, got %+v", res)
	}
}

func TestWebFetch_RejectsNonHTTP(t *testing.T) {
	tool := NewWebFetchTool()
	res := tool.Execute(context.Background(), chatCall(1, map[string]any{"url": "file:///etc/passwd"}))
	if !res.IsError {
		t.Fatalf("expected refusal, got %+v", res)
	}
}

func TestWebSearch_BraveParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key123" {
			t.Errorf("missing subscription token, got %q", got)
		}
		fmt.Fprint(w, `{"web":{"results":[
			{"title":"Go","url":"https://go.dev","description":"The Go language"},
			{"title":"Docs","url":"https://go.dev/doc","description":"Documentation"}
		]}}`)
	}))
	defer srv.Close()

	tool := &WebSearchTool{
		providers: []SearchProvider{&braveProvider{apiKey: "key123", baseURL: srv.URL}},
		logger:    slog.Default(),
	}
	res := tool.Execute(context.Background(), chatCall(1, map[string]any{"query": "golang"}))
	if res.IsError {
		t.Fatalf("search: %+v", res)
	}
	if !strings.Contains(res.Content, "https://go.dev") || !strings.Contains(res.Content, "The Go language") {
		t.Fatalf("results missing: %q", res.Content)
	}
}

func TestWebSearch_FallsThroughOnProviderError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer failing.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a class="result__a" href="https://example.org">Example</a>
<a class="result__snippet">A snippet</a>`)
	}))
	defer working.Close()

	tool := &WebSearchTool{
		providers: []SearchProvider{
			&braveProvider{apiKey: "k", baseURL: failing.URL},
			&ddgProvider{baseURL: working.URL},
		},
		logger: slog.Default(),
	}
	res := tool.Execute(context.Background(), chatCall(1, map[string]any{"query": "anything"}))
	if res.IsError {
		t.Fatalf("search: %+v", res)
	}
	if !strings.Contains(res.Content, "duckduckgo") || !strings.Contains(res.Content, "example.org") {
		t.Fatalf("fallback provider results missing: %q", res.Content)
	}
}

func TestWebSearch_SkipsUnavailableProviders(t *testing.T) {
	tool := NewWebSearchTool("", "", slog.Default())
	// Brave has no key, leaving only DuckDuckGo.
	if tool.providers[0].Available() {
		t.Fatal("brave should be unavailable without a key")
	}
	if tool.providers[1].Name() != "duckduckgo" {
		t.Fatalf("unexpected provider order: %s", tool.providers[1].Name())
	}
}

func TestNewWebSearchTool_PreferredFirst(t *testing.T) {
	tool := NewWebSearchTool("key", "duckduckgo", slog.Default())
	if tool.providers[0].Name() != "duckduckgo" {
		t.Fatalf("preferred provider not first: %s", tool.providers[0].Name())
	}
}

func TestParseDDGResults_UnwrapsRedirects(t *testing.T) {
	html := `<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Freal.example%2Fpage">Real <b>Page</b></a>`
	results := parseDDGResults(html)
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].URL != "https://real.example/page" {
		t.Fatalf("redirect not unwrapped: %q", results[0].URL)
	}
	if results[0].Title != "Real Page" {
		t.Fatalf("tags not stripped: %q", results[0].Title)
	}
}
