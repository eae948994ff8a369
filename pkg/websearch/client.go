// Package websearch provides the web_search tool provider backed by the
// Brave Search API.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const defaultEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Config holds web search configuration
type Config struct {
	// Brave Search API key. When empty the client reports itself as not
	// configured and never touches the network.
	APIKey string `json:"api_key"`

	// Number of results to request (default 5)
	ResultCount int `json:"result_count"`

	// Endpoint override, used by tests
	Endpoint string `json:"-"`
}

// Result is a single search hit returned to the backend.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Response is the serialized payload handed back for a query.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Client performs web searches against the Brave Search API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new search client
func NewClient(config Config, logger zerolog.Logger) *Client {
	if config.ResultCount <= 0 {
		config.ResultCount = 5
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With().Str("component", "websearch").Logger(),
	}
}

// Configured reports whether a search credential is present.
func (c *Client) Configured() bool {
	return c.config.APIKey != ""
}

// Search runs a query and returns the serialized result payload. A missing
// API key yields a structured error payload, not a Go error, so callers can
// relay it to the backend unchanged.
func (c *Client) Search(ctx context.Context, query string) (json.RawMessage, error) {
	if !c.Configured() {
		c.logger.Debug().Msg("Search requested without API key")
		return json.Marshal(map[string]string{
			"error": "web_search is not configured",
		})
	}

	searchURL, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}

	values := url.Values{}
	values.Set("q", query)
	values.Set("count", fmt.Sprintf("%d", c.config.ResultCount))
	searchURL.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, string(body))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	response := Response{Query: query, Results: []Result{}}
	for _, r := range braveResp.Web.Results {
		response.Results = append(response.Results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}

	c.logger.Debug().
		Str("query", query).
		Int("results", len(response.Results)).
		Msg("Search completed")

	return json.Marshal(response)
}
