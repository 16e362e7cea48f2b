// Package research defines the deep-research background workflow: plan
// search queries, browse sources, synthesize a report, and hand it to the
// originating conversation.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Result is one discovered source.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher resolves a query to candidate sources.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// DuckDuckGoSearcher queries the DuckDuckGo Instant Answer API. No key
// required; abstracts and related topics become results.
type DuckDuckGoSearcher struct {
	httpClient *http.Client
}

// NewDuckDuckGoSearcher returns a searcher with a sensible timeout.
func NewDuckDuckGoSearcher() *DuckDuckGoSearcher {
	return &DuckDuckGoSearcher{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	endpoint := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1", url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	var parsed struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]Result, 0, limit)
	if parsed.AbstractText != "" && parsed.AbstractURL != "" {
		results = append(results, Result{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	for _, topic := range parsed.RelatedTopics {
		if len(results) >= limit {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, Result{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return results, nil
}
