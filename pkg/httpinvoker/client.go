// Package httpinvoker calls lookup and enrichment providers that speak the
// shared JSON contract:
//
//	POST {endpoint}/{operation}
//	{"phone": "+14155551234", "params": {...}}
//
//	200 {"found": true, "data": {...}, "cost_usd": 0.005}
//
// Non-2xx answers become classified provider errors so the caller's retry
// and circuit logic can act on them.
package httpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phone-enrich/internal/provider"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 512

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Client invokes one provider endpoint. It implements provider.Invoker.
type Client struct {
	name     string
	endpoint string
	apiKey   string
	http     *http.Client
}

// New creates a client for the named provider.
func New(name, endpoint string, opts ...Option) *Client {
	c := &Client{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type invokeRequest struct {
	Phone  string         `json:"phone"`
	Params map[string]any `json:"params,omitempty"`
}

type invokeResponse struct {
	Found   *bool          `json:"found"`
	Data    map[string]any `json:"data"`
	CostUSD float64        `json:"cost_usd"`
}

// Invoke implements provider.Invoker.
func (c *Client) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	payload, err := json.Marshal(invokeRequest{Phone: req.Phone, Params: req.Params})
	if err != nil {
		return nil, eris.Wrapf(err, "%s: marshal request", c.name)
	}

	url := c.endpoint
	if req.Operation != "" {
		url += "/" + req.Operation
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", c.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		pe := resilience.NewProviderError(c.name, resilience.ClassNetwork, 0, "request failed")
		pe.Err = err
		return nil, pe
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		pe := resilience.NewProviderError(c.name, resilience.ClassNetwork, resp.StatusCode, "read response body")
		pe.Err = err
		return nil, pe
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.NewProviderError(c.name, resilience.ClassifyHTTPStatus(resp.StatusCode),
			resp.StatusCode, errorMessage(body))
	}

	var out invokeResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, resilience.NewProviderError(c.name, resilience.ClassUnknown, resp.StatusCode,
				"undecodable response: "+truncate(string(body)))
		}
	}

	found := len(out.Data) > 0
	if out.Found != nil {
		found = *out.Found
	}
	return &provider.Response{Data: out.Data, Found: found, CostUSD: out.CostUSD}, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
