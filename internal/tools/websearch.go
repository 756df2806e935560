package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SearchResult is one hit from a search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider is the interface every search backend implements.
// Available reports provider-specific readiness (e.g. API key present).
type SearchProvider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// WebSearchTool routes a query through an ordered provider list:
// skip unavailable, try search, fall through on error. First success
// wins.
type WebSearchTool struct {
	providers []SearchProvider
	logger    *slog.Logger
}

// NewWebSearchTool builds the search tool. Default provider order is
// Brave then DuckDuckGo; a preferred provider name moves to the front.
func NewWebSearchTool(braveAPIKey, preferred string, logger *slog.Logger) *WebSearchTool {
	if logger == nil {
		logger = slog.Default()
	}
	providers := []SearchProvider{
		&braveProvider{apiKey: braveAPIKey},
		&ddgProvider{},
	}
	for i, p := range providers {
		if p.Name() == preferred && i > 0 {
			providers[0], providers[i] = providers[i], providers[0]
			break
		}
	}
	return &WebSearchTool{providers: providers, logger: logger}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Risk() Risk   { return RiskLow }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns results with titles, URLs, and snippets."
}

func (t *WebSearchTool) InputSchema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query": strProp("The search query."),
	})
}

func (t *WebSearchTool) Execute(ctx context.Context, call Call) Result {
	query := strings.TrimSpace(stringInput(call.Input, "query"))
	if query == "" {
		return Errorf(ErrToolInternal, "empty search query")
	}

	for _, p := range t.providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, query)
		if err != nil {
			t.logger.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			continue
		}
		if len(results) == 0 {
			return Text(fmt.Sprintf("No results found for %q.", query))
		}
		return Text(formatResults(p.Name(), results))
	}
	return Errorf(ErrToolInternal, "no search provider available for %q", query)
}

func formatResults(providerName string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Results from %s:\n", providerName)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// braveProvider implements SearchProvider using the Brave Search API.
type braveProvider struct {
	apiKey  string
	baseURL string // test override
}

func (b *braveProvider) Name() string    { return "brave_search" }
func (b *braveProvider) Available() bool { return b.apiKey != "" }

func (b *braveProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	base := b.baseURL
	if base == "" {
		base = "https://api.search.brave.com/res/v1/web/search"
	}
	braveURL := base + "?q=" + url.QueryEscape(query) + "&count=5"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseBraveJSON(body)
}

// braveResponse matches the relevant fields of the Brave Search API response.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func parseBraveJSON(body []byte) ([]SearchResult, error) {
	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse brave response: %w", err)
	}
	var results []SearchResult
	for _, r := range parsed.Web.Results {
		results = append(results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
		if len(results) >= 5 {
			break
		}
	}
	return results, nil
}

// ddgProvider implements SearchProvider using DuckDuckGo HTML search.
// No API key required.
type ddgProvider struct {
	baseURL string // test override
}

func (d *ddgProvider) Name() string    { return "duckduckgo" }
func (d *ddgProvider) Available() bool { return true }

func (d *ddgProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	base := d.baseURL
	if base == "" {
		base = "https://html.duckduckgo.com/html/"
	}
	ddgURL := base + "?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ddgURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "MicroClaw/1.0")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseDDGResults(string(body)), nil
}

var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
)

func parseDDGResults(html string) []SearchResult {
	links := reResultLink.FindAllStringSubmatch(html, 10)
	snippets := reResultSnippet.FindAllStringSubmatch(html, 10)

	var results []SearchResult
	for i, link := range links {
		if len(link) < 3 {
			continue
		}
		rawURL := link[1]
		title := stripTags(link[2])

		// DuckDuckGo wraps URLs in a redirect; extract the actual URL.
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}

		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = stripTags(snippets[i][1])
		}

		results = append(results, SearchResult{
			Title:   strings.TrimSpace(title),
			URL:     rawURL,
			Snippet: strings.TrimSpace(snippet),
		})
		if len(results) >= 5 {
			break
		}
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reAnyTag.ReplaceAllString(s, ""))
}
