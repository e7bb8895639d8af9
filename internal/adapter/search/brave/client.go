// Package brave implements the web search tool backend against the Brave
// Search API.
package brave

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/domain"
	"github.com/fairyhunter13/factline/internal/service/ratelimiter"
)

// BudgetKey names the shared token bucket for outbound search calls.
const BudgetKey = "search:brave"

// Client calls the Brave web search endpoint. Calls pass through the shared
// limiter first so the whole fleet stays inside the subscription budget.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	limiter ratelimiter.Limiter
}

// New constructs a Brave search client. limiter may be nil (no budget).
func New(baseURL, apiKey string, timeout time.Duration, limiter ratelimiter.Limiter) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type webSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

// Search runs one query and returns parsed results. Budget exhaustion and
// provider 429s both surface as domain.ErrRateLimited so the tool bridge can
// report a structured tool error instead of failing the whole attempt.
func (c *Client) Search(ctx domain.Context, query string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("op=search.brave: %w: empty query", domain.ErrInvalidArgument)
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("op=search.brave: %w: api key not configured", domain.ErrUnavailable)
	}

	if c.limiter != nil {
		allowed, retryAfter, err := c.limiter.Allow(ctx, BudgetKey, 1)
		if err == nil && !allowed {
			observability.ToolCallsTotal.WithLabelValues("brave_web_search", "budget_denied").Inc()
			return nil, fmt.Errorf("op=search.brave: %w: budget exhausted, retry in %s", domain.ErrRateLimited, retryAfter.Round(time.Second))
		}
	}

	count := opts.Count
	if count <= 0 || count > 20 {
		count = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	if opts.Lang != "" {
		q.Set("search_lang", opts.Lang)
	}
	if opts.Country != "" {
		q.Set("country", opts.Country)
	}
	if opts.SafeSearch != "" {
		q.Set("safesearch", opts.SafeSearch)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/res/v1/web/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=search.brave: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ToolCallsTotal.WithLabelValues("brave_web_search", "request").Inc()
	if err != nil {
		slog.Error("brave search request failed", slog.String("query", query), slog.Any("error", err))
		return nil, fmt.Errorf("op=search.brave: %w: %v", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("op=search.brave: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("brave search rate limited", slog.String("query", query),
			slog.String("retry_after", resp.Header.Get("Retry-After")))
		return nil, fmt.Errorf("op=search.brave: %w: provider 429", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("op=search.brave: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("op=search.brave: status %d: %s", resp.StatusCode, snippet)
	}

	var parsed webSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("op=search.brave: decode: %w", err)
	}
	results := make([]domain.SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, domain.SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Description,
			Published:   r.Age,
		})
	}
	slog.Debug("brave search ok", slog.String("query", query),
		slog.Int("results", len(results)),
		slog.Duration("latency", time.Since(start)))
	return results, nil
}
