// Package pipedrive provides a rate-limited client for the Pipedrive CRM API.
package pipedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/processscan/internal/resilience"
)

// MaxPageSize is the largest page the API returns.
const MaxPageSize = 500

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = eris.New("pipedrive: not found")

// Client defines the Pipedrive operations used by the CRM importer.
type Client interface {
	ListDeals(ctx context.Context, q DealQuery) (*DealPage, error)
	SearchDeals(ctx context.Context, term string) ([]int, error)
	GetDeal(ctx context.Context, id int) (*Deal, error)
	GetPerson(ctx context.Context, id int) (*Entity, error)
	GetOrganization(ctx context.Context, id int) (*Entity, error)
	ListPipelines(ctx context.Context) ([]Pipeline, error)
	ListFilters(ctx context.Context) ([]Filter, error)
}

// Option configures the Pipedrive client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetry sets the backoff for 429 and 5xx answers.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a client for https://{domain}.pipedrive.com/api/v1.
func NewClient(domain, apiToken string, opts ...Option) Client {
	c := &httpClient{
		token:   apiToken,
		baseURL: fmt.Sprintf("https://%s.pipedrive.com/api/v1", domain),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(8, 8),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = resilience.RetryLogger("pipedrive", "get")
	return c
}

func (c *httpClient) ListDeals(ctx context.Context, q DealQuery) (*DealPage, error) {
	params := url.Values{}
	limit := q.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	params.Set("start", strconv.Itoa(q.Start))
	params.Set("limit", strconv.Itoa(limit))
	if q.FilterID > 0 {
		params.Set("filter_id", strconv.Itoa(q.FilterID))
	}
	if q.PipelineID > 0 {
		params.Set("pipeline_id", strconv.Itoa(q.PipelineID))
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}

	var env envelope[[]Deal]
	if err := c.get(ctx, "/deals", params, &env); err != nil {
		return nil, eris.Wrap(err, "pipedrive: list deals")
	}
	p := env.AdditionalData.Pagination
	page := &DealPage{Deals: env.Data, More: p.More, NextStart: p.NextStart}
	if page.More && page.NextStart <= q.Start {
		page.NextStart = q.Start + limit
	}
	return page, nil
}

func (c *httpClient) SearchDeals(ctx context.Context, term string) ([]int, error) {
	params := url.Values{}
	params.Set("term", term)
	params.Set("fields", "title")
	params.Set("limit", strconv.Itoa(MaxPageSize))

	var env envelope[searchResult]
	if err := c.get(ctx, "/deals/search", params, &env); err != nil {
		return nil, eris.Wrap(err, "pipedrive: search deals")
	}
	ids := make([]int, 0, len(env.Data.Items))
	for _, it := range env.Data.Items {
		if it.Item.ID > 0 {
			ids = append(ids, it.Item.ID)
		}
	}
	return ids, nil
}

func (c *httpClient) GetDeal(ctx context.Context, id int) (*Deal, error) {
	var env envelope[*Deal]
	if err := c.get(ctx, "/deals/"+strconv.Itoa(id), nil, &env); err != nil {
		return nil, eris.Wrapf(err, "pipedrive: get deal %d", id)
	}
	if env.Data == nil {
		return nil, eris.Wrapf(ErrNotFound, "deal %d", id)
	}
	return env.Data, nil
}

func (c *httpClient) GetPerson(ctx context.Context, id int) (*Entity, error) {
	return c.getEntity(ctx, "/persons/", id)
}

func (c *httpClient) GetOrganization(ctx context.Context, id int) (*Entity, error) {
	return c.getEntity(ctx, "/organizations/", id)
}

func (c *httpClient) getEntity(ctx context.Context, path string, id int) (*Entity, error) {
	var env envelope[*Entity]
	if err := c.get(ctx, path+strconv.Itoa(id), nil, &env); err != nil {
		return nil, eris.Wrapf(err, "pipedrive: get %s%d", path, id)
	}
	if env.Data == nil {
		return nil, eris.Wrapf(ErrNotFound, "%s%d", path, id)
	}
	return env.Data, nil
}

func (c *httpClient) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var env envelope[[]Pipeline]
	if err := c.get(ctx, "/pipelines", nil, &env); err != nil {
		return nil, eris.Wrap(err, "pipedrive: list pipelines")
	}
	return env.Data, nil
}

func (c *httpClient) ListFilters(ctx context.Context) ([]Filter, error) {
	params := url.Values{}
	params.Set("type", "deals")
	var env envelope[[]Filter]
	if err := c.get(ctx, "/filters", params, &env); err != nil {
		return nil, eris.Wrap(err, "pipedrive: list filters")
	}
	return env.Data, nil
}

// get issues a GET and decodes the body into out. 404 maps to ErrNotFound.
func (c *httpClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.token)
	u := c.baseURL + path + "?" + params.Encode()

	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return eris.Wrap(err, "rate limit")
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return eris.Wrap(err, "send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return eris.Wrap(err, "read response")
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return resilience.NewTransientError(eris.Errorf("status %d", resp.StatusCode), resp.StatusCode)
		case resp.StatusCode >= 300:
			return eris.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrap(err, "decode response")
		}
		return nil
	})
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
