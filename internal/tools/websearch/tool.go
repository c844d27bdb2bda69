// Package websearch implements the web_search tool (C4): a single query-in,
// results-out call against a configured search backend. No search-client
// library appears anywhere in the retrieval pack, so this talks HTTP
// directly — the justified stdlib exception recorded in DESIGN.md.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/config"
)

// Tool implements agent.Tool for web search, backed by either a SearXNG
// instance (JSON format) or the Brave Search API.
type Tool struct {
	cfg    config.ToolWebSearchConfig
	client *http.Client
}

// New builds a web_search Tool from cfg.
func New(cfg config.ToolWebSearchConfig) *Tool {
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = 5
	}
	return &Tool{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Searches the web for a query and returns a short list of titled, linked results."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"},
			"num_results": {"type": "integer", "description": "Maximum number of results to return"}
		},
		"required": ["query"]
	}`)
}

type params struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "invalid web_search params: " + err.Error(), IsError: true}, nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return &agent.ToolResult{Content: "web_search requires a non-empty query", IsError: true}, nil
	}
	limit := p.NumResults
	if limit <= 0 {
		limit = t.cfg.DefaultResults
	}

	var results []searchResult
	var err error
	switch strings.ToLower(t.cfg.Backend) {
	case "brave":
		results, err = t.searchBrave(ctx, p.Query, limit)
	default:
		results, err = t.searchSearXNG(ctx, p.Query, limit)
	}
	if err != nil {
		return &agent.ToolResult{Content: "web_search failed: " + err.Error(), IsError: true}, nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return &agent.ToolResult{Content: sb.String()}, nil
}

func (t *Tool) searchSearXNG(ctx context.Context, query string, limit int) ([]searchResult, error) {
	if t.cfg.SearXNGURL == "" {
		return nil, fmt.Errorf("web_search: no searxng_url configured")
	}
	u, err := url.Parse(strings.TrimRight(t.cfg.SearXNGURL, "/") + "/search")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng returned status %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]searchResult, 0, limit)
	for i, r := range body.Results {
		if i >= limit {
			break
		}
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (t *Tool) searchBrave(ctx context.Context, query string, limit int) ([]searchResult, error) {
	if t.cfg.BraveAPIKey == "" {
		return nil, fmt.Errorf("web_search: no brave_api_key configured")
	}
	u := "https://api.search.brave.com/res/v1/web/search?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", t.cfg.BraveAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search returned status %d", resp.StatusCode)
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]searchResult, 0, limit)
	for i, r := range body.Web.Results {
		if i >= limit {
			break
		}
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}
