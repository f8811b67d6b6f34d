// Package invertexto provides a client for the Invertexto CNPJ registry API.
package invertexto

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/processscan/internal/resilience"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.invertexto.com"

var (
	// ErrNotFound is returned when the registry has no such CNPJ.
	ErrNotFound = eris.New("invertexto: cnpj not found")
	// ErrInvalidCNPJ is returned for input that is not 14 digits.
	ErrInvalidCNPJ = eris.New("invertexto: invalid cnpj")
)

// Client defines the Invertexto operations used by registry lookups.
type Client interface {
	CNPJ(ctx context.Context, cnpj string) (*Company, error)
}

// Company is the registry record for a CNPJ. Raw keeps the full answer.
type Company struct {
	CNPJ         string `json:"cnpj"`
	RazaoSocial  string `json:"razao_social"`
	NomeFantasia string `json:"nome_fantasia"`
	Situacao     struct {
		Nome string `json:"nome"`
		Data string `json:"data"`
	} `json:"situacao"`
	Raw json.RawMessage `json:"-"`
}

// Option configures the Invertexto client.
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

// WithRetry sets the backoff for transient answers.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a new Invertexto client.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 20 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = resilience.RetryLogger("invertexto", "cnpj")
	return c
}

func (c *httpClient) CNPJ(ctx context.Context, cnpj string) (*Company, error) {
	digits := onlyDigits(cnpj)
	if len(digits) != 14 {
		return nil, eris.Wrapf(ErrInvalidCNPJ, "%q", cnpj)
	}
	u := c.baseURL + "/v1/cnpj/" + digits + "?" + url.Values{"token": {c.token}}.Encode()

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Company, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, eris.Wrap(err, "invertexto: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "invertexto: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, eris.Wrap(err, "invertexto: read response")
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, eris.Wrapf(ErrNotFound, "%s", digits)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(eris.Errorf("invertexto: status %d", resp.StatusCode), resp.StatusCode)
		case resp.StatusCode >= 300:
			return nil, eris.Errorf("invertexto: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var out Company
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, eris.Wrap(err, "invertexto: decode response")
		}
		out.Raw = body
		return &out, nil
	})
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
