package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rahul/concierge/internal/store"
	"github.com/tmc/langchaingo/tools/duckduckgo"
)

const (
	// searchTTL is how long an identical query is answered from memory.
	searchTTL       = 5 * time.Minute
	searchCacheSize = 256
)

// searcher is the slice of the DuckDuckGo tool the search capability uses.
type searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

type SearchTool struct {
	client searcher
	cache  *expirable.LRU[string, string]
}

func NewSearchTool() (*SearchTool, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return newSearchTool(ddg, searchCacheSize, searchTTL), nil
}

func newSearchTool(client searcher, size int, ttl time.Duration) *SearchTool {
	return &SearchTool{client: client, cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (s *SearchTool) Name() string {
	return "web.search"
}

func (s *SearchTool) Description() string {
	return "Search the web using DuckDuckGo for real-time information. Optionally restrict results to one site."
}

func (s *SearchTool) Kind() store.StepKind { return store.KindRead }

func (s *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to look up",
			},
			"site": map[string]any{
				"type":        "string",
				"description": "Only return results from this domain, e.g. wikipedia.org",
			},
		},
		"required": []string{"query"},
	}
}

func (s *SearchTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Query string `json:"query"`
		Site  string `json:"site"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	query := strings.Join(strings.Fields(args.Query), " ")
	if query == "" {
		return "", InvalidInput("query is required")
	}
	if site := strings.TrimSpace(args.Site); site != "" {
		query = "site:" + site + " " + query
	}

	key := strings.ToLower(query)
	if res, ok := s.cache.Get(key); ok {
		return res, nil
	}

	res, err := s.client.Call(ctx, query)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	s.cache.Add(key, res)
	return res, nil
}
