// Package judit provides a client for the Judit judicial-records search API.
package judit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/processscan/internal/resilience"
)

// DefaultBaseURL is the production requests endpoint.
const DefaultBaseURL = "https://requests.prod.judit.io"

// Client defines the Judit operations used by the dispatcher.
type Client interface {
	// CreateRequest starts a search. With a callback URL the provider answers
	// later through the webhook; without one the result is inline in Data.
	CreateRequest(ctx context.Context, req CreateRequest) (*CreateResponse, error)
}

// Search identifies the subject being searched.
type Search struct {
	SearchType string `json:"search_type"`
	SearchKey  string `json:"search_key"`
}

// CreateRequest is the body of POST /requests.
type CreateRequest struct {
	Search          Search `json:"search"`
	CallbackURL     string `json:"callback_url,omitempty"`
	WithAttachments bool   `json:"with_attachments"`
}

// CreateResponse is the parsed answer to POST /requests.
type CreateResponse struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HTTPError is returned for any non-2xx answer.
type HTTPError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *HTTPError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d - %s", e.StatusCode, e.Body)
}

// Option configures the Judit client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds each create call.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetry sets the backoff used when the provider answers 429.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a new Judit client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Only a 429 is retried: the provider refused the search, so a second
	// attempt cannot create a duplicate.
	c.retry.ShouldRetry = func(err error) bool {
		var he *HTTPError
		return errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests
	}
	c.retry.OnRetry = resilience.RetryLogger("judit", "create_request")
	return c
}

func (c *httpClient) CreateRequest(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "judit: marshal request")
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*CreateResponse, error) {
		return c.post(ctx, body)
	})
}

func (c *httpClient) post(ctx context.Context, body []byte) (*CreateResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/requests", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "judit: create request")
	}
	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "judit: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, eris.Wrap(err, "judit: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: compactJSON(respBody)}
	}

	var out CreateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "judit: decode response")
	}
	return &out, nil
}

// compactJSON returns body compacted when it is valid JSON, nil otherwise.
func compactJSON(body []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil || buf.Len() == 0 {
		return nil
	}
	return buf.Bytes()
}
