// Package assertiva provides a client for the Assertiva Localize registry
// API, authenticated with OAuth2 client credentials.
package assertiva

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sells-group/processscan/internal/resilience"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.assertivasolucoes.com.br"

// purpose is the idFinalidade sent with every query.
const purpose = "1"

var (
	// ErrNotFound is returned when the registry has no such document.
	ErrNotFound = eris.New("assertiva: document not found")
	// ErrInvalidDocument is returned for input of the wrong length.
	ErrInvalidDocument = eris.New("assertiva: invalid document")
)

// Client defines the Assertiva operations used by registry lookups.
type Client interface {
	CNPJ(ctx context.Context, cnpj string) (*Record, error)
	CPF(ctx context.Context, cpf string) (*Record, error)
}

// Record is a Localize answer. Name is the registered (company or person)
// name when present; Raw keeps the full answer.
type Record struct {
	Document string
	Name     string
	Status   string
	Raw      json.RawMessage
}

type localizeResponse struct {
	Resposta struct {
		DadosCadastrais struct {
			RazaoSocial       string `json:"razaoSocial"`
			Nome              string `json:"nome"`
			SituacaoCadastral string `json:"situacaoCadastral"`
		} `json:"dadosCadastrais"`
	} `json:"resposta"`
}

// Option configures the Assertiva client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing). The token endpoint
// follows it.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the transport used for both token and API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.base = hc
	}
}

// WithRetry sets the backoff for transient answers.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL string
	base    *http.Client
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a client whose token is fetched and refreshed through
// the client credentials flow.
func NewClient(clientID, clientSecret string, opts ...Option) Client {
	c := &httpClient{
		baseURL: DefaultBaseURL,
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = resilience.RetryLogger("assertiva", "localize")

	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     c.baseURL + "/oauth2/v3/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.Background()
	if c.base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	}
	c.http = cc.Client(ctx)
	return c
}

func (c *httpClient) CNPJ(ctx context.Context, cnpj string) (*Record, error) {
	return c.localize(ctx, "cnpj", cnpj, 14)
}

func (c *httpClient) CPF(ctx context.Context, cpf string) (*Record, error) {
	return c.localize(ctx, "cpf", cpf, 11)
}

func (c *httpClient) localize(ctx context.Context, kind, doc string, length int) (*Record, error) {
	digits := onlyDigits(doc)
	if len(digits) != length {
		return nil, eris.Wrapf(ErrInvalidDocument, "%s %q", kind, doc)
	}
	params := url.Values{kind: {digits}, "idFinalidade": {purpose}}
	u := c.baseURL + "/localize/v3/" + kind + "?" + params.Encode()

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Record, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, eris.Wrap(err, "assertiva: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "assertiva: %s request", kind)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, eris.Wrap(err, "assertiva: read response")
		}

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
			return nil, eris.Wrapf(ErrNotFound, "%s %s", kind, digits)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(eris.Errorf("assertiva: status %d", resp.StatusCode), resp.StatusCode)
		case resp.StatusCode >= 300:
			return nil, eris.Errorf("assertiva: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var parsed localizeResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, eris.Wrap(err, "assertiva: decode response")
		}
		d := parsed.Resposta.DadosCadastrais
		name := d.RazaoSocial
		if name == "" {
			name = d.Nome
		}
		return &Record{Document: digits, Name: name, Status: d.SituacaoCadastral, Raw: body}, nil
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
