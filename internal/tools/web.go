package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	maxFetchBody     = 2 << 20
	maxFetchContent  = 8000
	maxFetchRedirect = 10
)

// WebFetchTool fetches a URL and returns simplified text.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxFetchRedirect {
					return fmt.Errorf("stopped after %d redirects", maxFetchRedirect)
				}
				return nil
			},
		},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Risk() Risk   { return RiskMedium }

func (t *WebFetchTool) Description() string {
	return "Fetch and read the content of a web page URL. Returns the page content as simplified text. Use this to read articles, documentation, or any web page."
}

func (t *WebFetchTool) InputSchema() map[string]any {
	return objectSchema([]string{"url"}, map[string]any{
		"url": strProp("The http(s) URL to fetch."),
	})
}

func (t *WebFetchTool) Execute(ctx context.Context, call Call) Result {
	rawURL := stringInput(call.Input, "url")
	if rawURL == "" {
		return Errorf(ErrToolInternal, "empty url")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return Errorf(ErrToolInternal, "unsupported URL scheme: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Errorf(ErrToolInternal, "build request: %v", err)
	}
	req.Header.Set("User-Agent", "MicroClaw/1.0 (autonomous agent)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Errorf(ErrTimeout, "fetch %s timed out", rawURL)
		}
		return Errorf(ErrToolInternal, "fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		res := Errorf(ErrToolInternal, "HTTP %d for %s", resp.StatusCode, rawURL)
		res.StatusCode = resp.StatusCode
		return res
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return Errorf(ErrToolInternal, "read body: %v", err)
	}

	content := htmlToText(string(body))
	if len(content) > maxFetchContent {
		content = content[:maxFetchContent] + "\n\n[Content truncated]"
	}
	res := Text(content)
	res.StatusCode = resp.StatusCode
	return res
}

var (
	reScript   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBlockTag = regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr)[^>]*>`)
	reAnyTag   = regexp.MustCompile(`<[^>]+>`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reNewlines = regexp.MustCompile(`\n{3,}`)
)

// htmlToText converts HTML to simplified plain text without a browser.
func htmlToText(html string) string {
	html = reScript.ReplaceAllString(html, "")
	html = reStyle.ReplaceAllString(html, "")
	html = reComment.ReplaceAllString(html, "")
	html = reBlockTag.ReplaceAllString(html, "\n")
	html = reAnyTag.ReplaceAllString(html, "")

	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", "\"")
	html = strings.ReplaceAll(html, "&#39;", "'")
	html = strings.ReplaceAll(html, "&nbsp;", " ")

	html = reSpaces.ReplaceAllString(html, " ")
	html = reNewlines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
