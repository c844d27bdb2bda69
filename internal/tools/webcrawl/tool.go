// Package webcrawl implements the crawl tool (C4): fetch a URL, extract its
// main article content, and return markdown. Grounded on the retrieval
// pack's own web-fetch tool (readability-based extraction) and its HTML ->
// markdown converter.
package webcrawl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-shiori/go-readability"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/config"
)

// Tool implements agent.Tool for crawl.
type Tool struct {
	cfg       config.ToolCrawlConfig
	client    *http.Client
	converter *md.Converter
}

// New builds a crawl Tool from cfg.
func New(cfg config.ToolCrawlConfig) *Tool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Tool{
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		converter: md.NewConverter("", true, nil),
	}
}

func (t *Tool) Name() string { return "crawl" }

func (t *Tool) Description() string {
	return "Fetches a URL and returns its main article content as markdown."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to crawl"}
		},
		"required": ["url"]
	}`)
}

type params struct {
	URL string `json:"url"`
}

// maxFetchBytes bounds the response body read, matching the pack's own
// web-fetch tool's 1MB cap.
const maxFetchBytes = 1 << 20

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "invalid crawl params: " + err.Error(), IsError: true}, nil
	}
	if strings.TrimSpace(p.URL) == "" {
		return &agent.ToolResult{Content: "crawl requires a non-empty url", IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return &agent.ToolResult{Content: "invalid url: " + err.Error(), IsError: true}, nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; OrchestratorBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return &agent.ToolResult{Content: "crawl fetch failed: " + err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &agent.ToolResult{Content: fmt.Sprintf("crawl: HTTP %d from %s", resp.StatusCode, p.URL), IsError: true}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return &agent.ToolResult{Content: "crawl read failed: " + err.Error(), IsError: true}, nil
	}

	parsedURL, _ := url.Parse(p.URL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return &agent.ToolResult{Content: fmt.Sprintf("crawl: could not extract article content from %s", p.URL), IsError: true}, nil
	}

	markdown, err := t.converter.ConvertString(article.Content)
	if err != nil {
		return &agent.ToolResult{Content: "crawl: markdown conversion failed: " + err.Error(), IsError: true}, nil
	}

	heading := article.Title
	if heading == "" {
		heading = p.URL
	}
	return &agent.ToolResult{Content: fmt.Sprintf("# %s\n\n%s", heading, strings.TrimSpace(markdown))}, nil
}
