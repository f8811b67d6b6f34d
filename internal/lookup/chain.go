// Package lookup resolves CPFs and CNPJs against public registry providers.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
)

var (
	// ErrNotFound means no provider knows the tax ID.
	ErrNotFound = eris.New("lookup: not found")
	// ErrInvalidTaxID is returned for input that is neither a CPF nor a CNPJ.
	ErrInvalidTaxID = eris.New("lookup: invalid tax id")
	// ErrNoProvider means no configured provider handles the tax ID's kind.
	ErrNoProvider = eris.New("lookup: no provider for tax id")
)

// Profile is the registry view of a person or organization.
type Profile struct {
	TaxID     string            `json:"tax_id"`
	Kind      model.SubjectKind `json:"kind"`
	Provider  string            `json:"provider"`
	Name      string            `json:"name"`
	TradeName string            `json:"trade_name,omitempty"`
	Status    string            `json:"status,omitempty"`
	Raw       json.RawMessage   `json:"raw,omitempty"`
}

// Provider is one registry source.
type Provider interface {
	Name() string
	Supports(kind model.SubjectKind) bool
	Lookup(ctx context.Context, taxID string, kind model.SubjectKind) (*Profile, error)
}

// Config tunes a Chain.
type Config struct {
	Breaker resilience.BreakerConfig
	// RateLimit caps lookups per second across providers. Zero disables it.
	RateLimit float64
}

// Chain tries providers in order and returns the first profile found.
type Chain struct {
	providers []Provider
	breakers  *resilience.ServiceBreakers
	limiter   *rate.Limiter
}

// NewChain creates a Chain over providers, in priority order. Each provider
// gets its own circuit breaker, tripped only by transient failures.
func NewChain(cfg Config, providers ...Provider) *Chain {
	bc := cfg.Breaker
	if bc.Trips == nil {
		bc.Trips = resilience.IsTransient
	}
	c := &Chain{providers: providers, breakers: resilience.NewServiceBreakers(bc)}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(int(cfg.RateLimit), 1))
	}
	return c
}

// Classify normalizes taxID to digits and tells a CPF from a CNPJ.
func Classify(taxID string) (string, model.SubjectKind, error) {
	var b strings.Builder
	for _, r := range taxID {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch len(digits) {
	case 11:
		return digits, model.SubjectPerson, nil
	case 14:
		return digits, model.SubjectOrganization, nil
	default:
		return "", "", eris.Wrapf(ErrInvalidTaxID, "%q", taxID)
	}
}

// Lookup returns the first profile any provider finds for taxID.
func (c *Chain) Lookup(ctx context.Context, taxID string) (*Profile, error) {
	digits, kind, err := Classify(taxID)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "lookup: rate limit")
		}
	}

	var errs []string
	tried := 0
	for _, p := range c.providers {
		if !p.Supports(kind) {
			continue
		}
		tried++
		prof, err := resilience.Call(ctx, c.breakers.Get(p.Name()), func(ctx context.Context) (*Profile, error) {
			return p.Lookup(ctx, digits, kind)
		})
		if err == nil {
			return prof, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "lookup: interrupted")
		}
		if !errors.Is(err, ErrNotFound) {
			zap.L().Warn("lookup: provider failed",
				zap.String("provider", p.Name()),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			errs = append(errs, p.Name()+": "+err.Error())
		}
	}

	switch {
	case tried == 0:
		return nil, eris.Wrapf(ErrNoProvider, "%s", kind)
	case len(errs) == 0:
		return nil, eris.Wrapf(ErrNotFound, "%s %s", kind, digits)
	default:
		return nil, eris.Errorf("lookup: all providers failed: %s", strings.Join(errs, "; "))
	}
}

// States reports each provider's breaker state.
func (c *Chain) States() map[string]string {
	out := make(map[string]string)
	for name, s := range c.breakers.States() {
		out[name] = s.String()
	}
	return out
}

// Enrichment status values.
const (
	StatusFound   = "found"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Row is one input record with its lookup outcome attached.
type Row struct {
	Record  model.Record `json:"record"`
	Status  string       `json:"status"`
	Profile *Profile     `json:"profile,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Enrich looks up every record's tax ID with at most concurrency lookups in
// flight. The tax ID is read from column when set, else extracted the same
// way dispatch does. Output order matches input order.
func (c *Chain) Enrich(ctx context.Context, records []model.Record, column string, concurrency int) ([]Row, error) {
	if concurrency <= 0 {
		concurrency = 5
	}
	rows := make([]Row, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, rec := range records {
		rows[i].Record = rec
		taxID := taxIDOf(rec, column)
		if taxID == "" {
			rows[i].Status = StatusSkipped
			continue
		}
		g.Go(func() error {
			prof, err := c.Lookup(gctx, taxID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rows[i].Status, rows[i].Error = StatusError, err.Error()
				return nil
			}
			rows[i].Status, rows[i].Profile = StatusFound, prof
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "lookup: enrich interrupted")
	}
	return rows, nil
}

func taxIDOf(rec model.Record, column string) string {
	if column == "" {
		subj, ok := legal.ExtractSubject(rec)
		if !ok {
			return ""
		}
		return subj.ID
	}
	return legal.Field(rec, column)
}
