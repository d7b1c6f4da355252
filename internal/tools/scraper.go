package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rahul/concierge/internal/store"
)

const (
	maxContentChars = 50000
	maxPageBytes    = 5 << 20
)

type ScraperTool struct {
	UserAgent string
	Client    *http.Client
}

func NewScraperTool() *ScraperTool {
	return &ScraperTool{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ScraperTool) Name() string {
	return "web.read"
}

func (s *ScraperTool) Description() string {
	return "Fetch a webpage URL and extract the main content as clean, sanitized text."
}

func (s *ScraperTool) Kind() store.StepKind { return store.KindRead }

func (s *ScraperTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The full URL of the webpage to read (e.g., https://example.com/article)",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Return at most this many characters of content",
			},
		},
		"required": []string{"url"},
	}
}

func (s *ScraperTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}

	parsedURL, err := url.Parse(args.URL)
	if err != nil || parsedURL.Host == "" {
		return "", InvalidInput("invalid url %q", args.URL)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", InvalidInput("unsupported url scheme %q", parsedURL.Scheme)
	}
	limit := maxContentChars
	if args.MaxChars > 0 && args.MaxChars < limit {
		limit = args.MaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", InvalidInput("%s is %s, not a web page", args.URL, ct)
	}

	// Final URL after redirects, so relative links resolve correctly.
	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), resp.Request.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %w", err)
	}

	// Strip whatever markup readability leaves in the text
	sanitized := bluemonday.StrictPolicy().Sanitize(article.TextContent)

	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", article.Title)
	if article.Byline != "" {
		fmt.Fprintf(&b, "BY: %s\n", article.Byline)
	}
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", article.Excerpt)
	}
	b.WriteString("\n-- CONTENT --\n")
	b.WriteString(truncate(strings.TrimSpace(sanitized), limit))
	return b.String(), nil
}

// truncate cuts s to at most n runes and marks the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n... (content truncated) ..."
}
