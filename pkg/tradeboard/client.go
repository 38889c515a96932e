// Package tradeboard is a Go client for the tradeboard gateway REST API.
package tradeboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
)

// ErrNotFound is returned when the gateway holds no value for a feed.
var ErrNotFound = errors.New("tradeboard: feed not cached")

// FeedValue is the gateway's cached value of one feed.
type FeedValue struct {
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	Stale     bool            `json:"stale"`
	FetchedAt *time.Time      `json:"fetchedAt,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Status is the gateway's connection and cache summary.
type Status struct {
	Connection    string `json:"connection"`
	Simulated     bool   `json:"simulated"`
	Subscriptions int    `json:"subscriptions"`
	CacheEntries  int    `json:"cacheEntries"`
	Sessions      int    `json:"sessions"`
}

// Client provides a Go SDK for interacting with a tradeboard gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the gateway rooted at baseURL, for example
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetFeed returns the cached value of a feed. An empty dataSource selects
// "default".
func (c *Client) GetFeed(ctx context.Context, feedType, dataSource string) (*FeedValue, error) {
	if dataSource == "" {
		dataSource = "default"
	}
	var v FeedValue
	err := requests.URL(c.baseURL).
		Path("/api/feeds/" + url.PathEscape(feedType) + "/" + url.PathEscape(dataSource)).
		Client(c.httpClient).
		ToJSON(&v).
		Fetch(ctx)
	switch {
	case requests.HasStatusErr(err, http.StatusNotFound):
		return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, feedType, dataSource)
	case err != nil:
		return nil, fmt.Errorf("GetFeed %s:%s: %w", feedType, dataSource, err)
	}
	return &v, nil
}

// Status returns the gateway's connection status and counters.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	err := requests.URL(c.baseURL).
		Path("/api/status").
		Client(c.httpClient).
		ToJSON(&st).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	return &st, nil
}
