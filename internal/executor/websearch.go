package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/agentd/agentd/internal/catalog"
)

const (
	maxResponseSize   = 5 * 1024 * 1024
	defaultFetchTimeout = 30 * time.Second
	maxFetchTimeout     = 120 * time.Second
)

// WebSearchClient performs the web_search tool's query (§4.5); it fetches
// a search results page and renders it to markdown for the model.
type WebSearchClient struct {
	client *http.Client
}

func NewWebSearchClient() *WebSearchClient {
	return &WebSearchClient{client: &http.Client{Timeout: defaultFetchTimeout}}
}

// Dispatch is the web_search tool's catalog entry point (§4.2): a call
// carrying "url" fetches that page directly (ExecuteWebFetch); otherwise
// it runs query as a search. network tools are always auto-approvable so
// this runs without ledger involvement once the engine has dispatched
// the call.
func (w *WebSearchClient) Dispatch(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
	if url, _ := input["url"].(string); url != "" {
		return ExecuteWebFetch(ctx, input, execCtx)
	}
	return w.Execute(ctx, input, execCtx)
}

// Execute fetches input["query"]'s search endpoint and returns markdown
// content.
func (w *WebSearchClient) Execute(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return "", true, fmt.Errorf("query is required")
	}
	searchURL, _ := input["url"].(string)
	if searchURL == "" {
		searchURL = "https://duckduckgo.com/html/?q=" + url.QueryEscape(query)
	}
	return fetchAsMarkdown(ctx, w.client, searchURL, defaultFetchTimeout)
}

func fetchAsMarkdown(ctx context.Context, client *http.Client, url string, timeout time.Duration) (string, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", true, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agentd/1.0)")
	req.Header.Set("Accept", "text/html;q=1.0, text/markdown;q=0.9, text/plain;q=0.8, */*;q=0.1")

	resp, err := client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", true, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxResponseSize {
		return "", true, fmt.Errorf("response too large (exceeds 5MB limit)")
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		out, err := convertHTMLToMarkdown(content)
		if err != nil {
			return "", true, fmt.Errorf("failed to convert HTML to markdown: %w", err)
		}
		return out, false, nil
	}
	return content, false, nil
}

// ExecuteWebFetch implements the webfetch collaborator used by web_search
// follow-ups: fetch a specific URL in the requested rendering format.
func ExecuteWebFetch(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
	url, _ := input["url"].(string)
	format, _ := input["format"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", true, fmt.Errorf("url must start with http:// or https://")
	}
	if format == "" {
		format = "markdown"
	}

	client := &http.Client{Timeout: defaultFetchTimeout}
	reqCtx, cancel := context.WithTimeout(ctx, maxFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", true, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agentd/1.0)")
	switch format {
	case "markdown":
		req.Header.Set("Accept", "text/markdown;q=1.0, text/html;q=0.8, */*;q=0.1")
	case "text":
		req.Header.Set("Accept", "text/plain;q=1.0, text/html;q=0.8, */*;q=0.1")
	default:
		req.Header.Set("Accept", "text/html;q=1.0, */*;q=0.1")
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", true, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxResponseSize {
		return "", true, fmt.Errorf("response too large (exceeds 5MB limit)")
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	switch format {
	case "markdown":
		if strings.Contains(contentType, "text/html") {
			out, err := convertHTMLToMarkdown(content)
			return out, err != nil, err
		}
		return content, false, nil
	case "text":
		if strings.Contains(contentType, "text/html") {
			out, err := extractTextFromHTML(content)
			return out, err != nil, err
		}
		return content, false, nil
	default:
		return content, false, nil
	}
}

func extractTextFromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, object, embed").Remove()
	return strings.TrimSpace(doc.Text()), nil
}

func convertHTMLToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EmDelimiter:      "*",
	})
	converter.Remove("script", "style", "meta", "link")
	return converter.ConvertString(html)
}
