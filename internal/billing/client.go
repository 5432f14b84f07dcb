package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the billing provider's REST API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient creates a provider client authenticated with a bearer key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// WithHTTPClient replaces the underlying HTTP client (used in tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Subscription mirrors the provider's subscription object, trimmed to the
// fields entitlement checks need.
type Subscription struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	PriceID string `json:"price_id"`
}

// Active reports whether the subscription entitles API access.
func (s Subscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// GetSubscription fetches one subscription by ID.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	u := c.baseURL + "/v1/subscriptions/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("billing status %d: %s", resp.StatusCode, string(b))
	}

	var sub Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &sub, nil
}
