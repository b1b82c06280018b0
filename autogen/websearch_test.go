package autogen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchResultHTML = `<!DOCTYPE html>
<html>
<body>
<div class="serp__results">
  <div class="results">
    <div class="result results_links results_links_deep web-result">
      <h2 class="result__title">
        <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fturtles&amp;rut=abc123">All About Turtles</a>
      </h2>
      <a class="result__snippet" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fturtles">Turtles are reptiles of the order Testudines.</a>
    </div>
    <div class="result results_links results_links_deep web-result">
      <h2 class="result__title">
        <a class="result__a" href="https://tortoise.example.org/">Tortoise Facts</a>
      </h2>
      <a class="result__snippet" href="https://tortoise.example.org/">Fun facts about tortoises.</a>
    </div>
    <div class="result results_links results_links_deep web-result">
      <h2 class="result__title">
        <a class="result__a" href="//shelled.example.net/page">Shelled Friends</a>
      </h2>
    </div>
  </div>
</div>
</body>
</html>`

func newTestSearcher(
	t testing.TB,
	handler http.HandlerFunc,
) *WebSearcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	searcher := NewWebSearcher(server.Client(), nil)
	searcher.baseURL = server.URL
	return searcher
}

func TestWebSearcher_Search(t *testing.T) {
	var gotQuery string
	searcher := newTestSearcher(
		t, func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query().Get("q")
			_, _ = io.WriteString(w, searchResultHTML)
		},
	)

	result := searcher.Search(context.Background(), "turtle facts", 5)
	require.NoError(t, result.Err)
	assert.Equal(t, "turtle facts", gotQuery)
	assert.Equal(t, "turtle facts", result.Query)
	require.Len(t, result.Results, 3)

	first := result.Results[0]
	assert.Equal(t, "All About Turtles", first.Title)
	assert.Equal(t, "https://example.com/turtles", first.URL)
	assert.Equal(
		t, "Turtles are reptiles of the order Testudines.", first.Summary,
	)

	second := result.Results[1]
	assert.Equal(t, "Tortoise Facts", second.Title)
	assert.Equal(t, "https://tortoise.example.org/", second.URL)

	third := result.Results[2]
	assert.Equal(t, "Shelled Friends", third.Title)
	assert.Equal(t, "https://shelled.example.net/page", third.URL)
	assert.Empty(t, third.Summary)
}

func TestWebSearcher_SearchLimitsResults(t *testing.T) {
	searcher := newTestSearcher(
		t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, searchResultHTML)
		},
	)

	result := searcher.Search(context.Background(), "turtles", 2)
	require.NoError(t, result.Err)
	assert.Len(t, result.Results, 2)

	// limits above the maximum are clamped, not errored
	result = searcher.Search(context.Background(), "turtles", 50)
	require.NoError(t, result.Err)
	assert.Len(t, result.Results, 3)
}

func TestWebSearcher_SearchQueryEscaping(t *testing.T) {
	var rawQuery string
	searcher := newTestSearcher(
		t, func(w http.ResponseWriter, r *http.Request) {
			rawQuery = r.URL.RawQuery
			_, _ = io.WriteString(w, searchResultHTML)
		},
	)

	result := searcher.Search(
		context.Background(), "best pizza & pasta?", 3,
	)
	require.NoError(t, result.Err)
	assert.Equal(
		t, "q="+url.QueryEscape("best pizza & pasta?"), rawQuery,
	)
}

func TestWebSearcher_SearchNoResults(t *testing.T) {
	searcher := newTestSearcher(
		t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, "<html><body>no results here</body></html>")
		},
	)

	result := searcher.Search(context.Background(), "xyzzy", 5)
	require.Error(t, result.Err)
	assert.Empty(t, result.Results)
}

func TestWebSearcher_SearchServerError(t *testing.T) {
	searcher := newTestSearcher(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	)

	result := searcher.Search(context.Background(), "query", 5)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "unexpected status")
}

func TestClampResultLimit(t *testing.T) {
	assert.Equal(t, MinSearchResultLimit, clampResultLimit(0))
	assert.Equal(t, MinSearchResultLimit, clampResultLimit(-5))
	assert.Equal(t, 3, clampResultLimit(3))
	assert.Equal(t, MaxSearchResultLimit, clampResultLimit(11))
	assert.Equal(t, MaxSearchResultLimit, clampResultLimit(1000))
}

func TestSearchResult_FormatDiscord(t *testing.T) {
	t.Run(
		"with results", func(t *testing.T) {
			result := SearchResult{
				Query: "turtles",
				Results: []WebPage{
					{Title: "One", URL: "https://example.com/1"},
					{Title: "Two", URL: "https://example.com/2"},
				},
			}
			formatted := result.FormatDiscord()
			lines := strings.Split(formatted, "\n\n")
			require.Len(t, lines, 3)
			assert.Equal(t, "**Search Results for:** turtles", lines[0])
			assert.Equal(t, "https://example.com/1", lines[1])
			assert.Equal(t, "https://example.com/2", lines[2])
		},
	)

	t.Run(
		"with error", func(t *testing.T) {
			result := SearchResult{
				Query: "turtles",
				Err:   errors.New("search request timed out"),
			}
			assert.Equal(
				t,
				"**Error:** search request timed out",
				result.FormatDiscord(),
			)
		},
	)
}

func TestResolveResultURL(t *testing.T) {
	testCases := []struct {
		name     string
		href     string
		expected string
	}{
		{
			name:     "redirect link",
			href:     "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=xyz",
			expected: "https://example.com/page",
		},
		{
			name:     "direct link",
			href:     "https://example.com/direct",
			expected: "https://example.com/direct",
		},
		{
			name:     "protocol-relative link",
			href:     "//example.com/page",
			expected: "https://example.com/page",
		},
		{
			name:     "empty",
			href:     "",
			expected: "",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, resolveResultURL(tc.href))
			},
		)
	}
}
