package autogen

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lmittmann/tint"
	"golang.org/x/net/html"
)

// defaultSearchBaseURL is DuckDuckGo's no-javascript HTML frontend.
const defaultSearchBaseURL = "https://html.duckduckgo.com/html/"

const searchUserAgent = "Mozilla/5.0 (compatible; AutogenDiscordBot/1.0)"

// WebPage is an individual web search result.
type WebPage struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// SearchResult is a structured search result containing multiple web
// pages, or an error if the search failed.
type SearchResult struct {
	Query   string    `json:"query"`
	Results []WebPage `json:"results"`
	Err     error     `json:"-"`
}

// FormatDiscord formats the result for Discord output. Only the header
// and bare URLs are emitted, letting Discord render link previews.
func (r SearchResult) FormatDiscord() string {
	if r.Err != nil {
		return fmt.Sprintf("**Error:** %s", r.Err.Error())
	}
	sections := make([]string, 0, len(r.Results)+1)
	sections = append(
		sections, fmt.Sprintf("**Search Results for:** %s", r.Query),
	)
	for _, page := range r.Results {
		sections = append(sections, page.URL)
	}
	return strings.Join(sections, "\n\n")
}

// WebSearcher performs web searches against DuckDuckGo's HTML frontend.
type WebSearcher struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewWebSearcher creates a WebSearcher. If httpClient is nil, the
// default client is used.
func NewWebSearcher(httpClient *http.Client, logger *slog.Logger) *WebSearcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearcher{
		httpClient: httpClient,
		baseURL:    defaultSearchBaseURL,
		logger:     logger.With(loggerNameKey, "websearch"),
	}
}

// clampResultLimit bounds a requested result limit to the supported
// range, substituting the default for non-positive values handed in by
// command parsing.
func clampResultLimit(limit int) int {
	if limit < MinSearchResultLimit {
		return MinSearchResultLimit
	}
	if limit > MaxSearchResultLimit {
		return MaxSearchResultLimit
	}
	return limit
}

// Search queries DuckDuckGo for the given query, returning up to
// resultLimit (clamped to 1..10) results. Failures are reported via
// SearchResult.Err rather than a second return value so callers always
// have a formattable result.
func (w *WebSearcher) Search(
	ctx context.Context,
	query string,
	resultLimit int,
) SearchResult {
	resultLimit = clampResultLimit(resultLimit)
	result := SearchResult{Query: query}

	searchURL := fmt.Sprintf("%s?q=%s", w.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		result.Err = fmt.Errorf("error building search request: %w", err)
		return result
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			result.Err = fmt.Errorf("search request timed out: %w", err)
		} else {
			result.Err = fmt.Errorf("search request failed: %w", err)
		}
		w.logger.ErrorContext(ctx, "search failed", tint.Err(result.Err))
		return result
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		result.Err = fmt.Errorf(
			"search request failed: unexpected status %s", resp.Status,
		)
		return result
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		result.Err = fmt.Errorf("error parsing search results: %w", err)
		return result
	}

	pages := parseSearchResults(doc)
	if len(pages) > resultLimit {
		pages = pages[:resultLimit]
	}
	if len(pages) == 0 {
		result.Err = fmt.Errorf("no search results found")
		return result
	}

	w.logger.InfoContext(
		ctx,
		"search completed",
		"query", query,
		"results", len(pages),
	)
	result.Results = pages
	return result
}

// parseSearchResults walks the DuckDuckGo HTML response, extracting
// title, URL and snippet from each result block.
func parseSearchResults(doc *html.Node) []WebPage {
	var pages []WebPage

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, "result") {
			if page, ok := parseResultNode(n); ok {
				pages = append(pages, page)
			}
			// result blocks don't nest; skip the subtree
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return pages
}

// parseResultNode extracts a WebPage from a single result block.
func parseResultNode(n *html.Node) (WebPage, bool) {
	var page WebPage

	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch {
			case node.Data == "a" && hasClass(node, "result__a"):
				if page.Title == "" {
					page.Title = strings.TrimSpace(nodeText(node))
					page.URL = resolveResultURL(nodeAttr(node, "href"))
				}
			case hasClass(node, "result__snippet"):
				if page.Summary == "" {
					page.Summary = strings.TrimSpace(nodeText(node))
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)

	if page.Title == "" || page.URL == "" {
		return page, false
	}
	return page, true
}

// resolveResultURL unwraps DuckDuckGo's redirect links
// (//duckduckgo.com/l/?uddg=<encoded>) to the target URL.
func resolveResultURL(href string) string {
	if href == "" {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	if parsed.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func nodeAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}
