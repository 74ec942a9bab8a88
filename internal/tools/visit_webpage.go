package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultVisitMaxChars    = 50000
	defaultVisitMaxRedirect = 3
	visitErrorMaxChars      = 4000
	visitTimeoutSeconds     = 30
	visitUserAgent          = webSearchUserAgent
)

// VisitWebpageTool fetches a URL and extracts readable content. HTML is
// converted to markdown or plain text; JSON is pretty-printed.
type VisitWebpageTool struct {
	maxChars int
	cache    *webCache
}

func NewVisitWebpageTool() *VisitWebpageTool {
	return &VisitWebpageTool{
		maxChars: defaultVisitMaxChars,
		cache:    newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
	}
}

func (t *VisitWebpageTool) Name() string { return "visit_webpage" }

func (t *VisitWebpageTool) Description() string {
	return "Fetch a webpage and extract its content as markdown or plain text."
}

func (t *VisitWebpageTool) Persistence() string { return "summary" }

func (t *VisitWebpageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extract_mode": map[string]interface{}{
				"type":        "string",
				"description": `Extraction mode ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
			},
		},
		"required": []string{"url"},
	}
}

func (t *VisitWebpageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	extractMode := "markdown"
	if em, ok := args["extract_mode"].(string); ok && (em == "markdown" || em == "text") {
		extractMode = em
	}

	cacheKey := fmt.Sprintf("visit:%s:%s", rawURL, extractMode)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("visit_webpage cache hit", "url", rawURL)
		return NewResult(cached)
	}

	content, err := t.doFetch(ctx, rawURL, extractMode)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %s", truncateStr(err.Error(), visitErrorMaxChars)))
	}

	wrapped := wrapExternalContent(content, "Web Page", true)
	t.cache.set(cacheKey, wrapped)
	return NewResult(wrapped)
}

func (t *VisitWebpageTool) doFetch(ctx context.Context, rawURL, extractMode string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", visitUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	redirectCount := 0
	client := &http.Client{
		Timeout: visitTimeoutSeconds * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirectCount++
			if redirectCount > defaultVisitMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", defaultVisitMaxRedirect)
			}
			if err := checkSSRF(req.URL.String()); err != nil {
				return fmt.Errorf("redirect SSRF protection: %w", err)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read extra for HTML overhead, truncate after extraction.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	var text string
	switch {
	case strings.Contains(contentType, "application/json"):
		text, _ = extractJSON(body)
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if extractMode == "markdown" {
			text = htmlToMarkdown(string(body))
		} else {
			text = htmlToText(string(body))
		}
	default:
		text = string(body)
	}

	truncated := false
	if len(text) > t.maxChars {
		text = text[:t.maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", finalURL, resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", t.maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String(), nil
}
