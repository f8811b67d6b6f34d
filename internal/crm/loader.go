// Package crm turns Pipedrive deals into batch records.
package crm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/pkg/pipedrive"
)

// DefaultMaxDeals caps how many deals one load walks.
const DefaultMaxDeals = 10000

// Record keys produced by the loader.
const (
	KeyTitle        = "Título"
	KeyPerson       = "Pessoa"
	KeyOrganization = "Organização"
	KeyCPF          = "CPF"
	KeyCNPJ         = "CNPJ"
	KeyDealID       = "deal_id"
)

// Query selects which deals to load. Zero values mean "all".
type Query struct {
	PipelineID int    `json:"pipeline_id,omitempty"`
	FilterID   int    `json:"filter_id,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Config holds the account-specific custom field keys.
type Config struct {
	PersonCPFKey string
	OrgCNPJKey   string
	MaxDeals     int
}

// Loader walks deals and resolves the tax IDs stored on linked entities.
type Loader struct {
	client pipedrive.Client
	cfg    Config
}

// NewLoader creates a Loader.
func NewLoader(client pipedrive.Client, cfg Config) *Loader {
	if cfg.MaxDeals <= 0 {
		cfg.MaxDeals = DefaultMaxDeals
	}
	return &Loader{client: client, cfg: cfg}
}

// Load returns one record per matching deal. A title query searches by
// deal title; otherwise every page of the pipeline or filter is walked.
func (l *Loader) Load(ctx context.Context, q Query) ([]model.Record, error) {
	var deals []pipedrive.Deal
	var err error
	if q.Title != "" {
		deals, err = l.searchDeals(ctx, q.Title)
	} else {
		deals, err = l.listDeals(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	r := newResolver(l.client, l.cfg)
	records := make([]model.Record, 0, len(deals))
	for _, d := range deals {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "crm: load interrupted")
		}
		records = append(records, r.record(ctx, d))
	}

	zap.L().Info("crm: deals loaded",
		zap.Int("deals", len(records)),
		zap.Int("pipeline_id", q.PipelineID),
		zap.Int("filter_id", q.FilterID),
	)
	return records, nil
}

func (l *Loader) listDeals(ctx context.Context, q Query) ([]pipedrive.Deal, error) {
	var out []pipedrive.Deal
	start := 0
	for len(out) < l.cfg.MaxDeals {
		page, err := l.client.ListDeals(ctx, pipedrive.DealQuery{
			PipelineID: q.PipelineID,
			FilterID:   q.FilterID,
			Start:      start,
			Limit:      pipedrive.MaxPageSize,
		})
		if err != nil {
			return nil, eris.Wrap(err, "crm: list deals")
		}
		out = append(out, page.Deals...)
		if !page.More || len(page.Deals) == 0 {
			break
		}
		start = page.NextStart
	}
	if len(out) > l.cfg.MaxDeals {
		zap.L().Warn("crm: deal cap reached", zap.Int("cap", l.cfg.MaxDeals))
		out = out[:l.cfg.MaxDeals]
	}
	return out, nil
}

func (l *Loader) searchDeals(ctx context.Context, title string) ([]pipedrive.Deal, error) {
	ids, err := l.client.SearchDeals(ctx, title)
	if err != nil {
		return nil, eris.Wrap(err, "crm: search deals")
	}
	out := make([]pipedrive.Deal, 0, len(ids))
	for _, id := range ids {
		if len(out) >= l.cfg.MaxDeals {
			break
		}
		d, err := l.client.GetDeal(ctx, id)
		if errors.Is(err, pipedrive.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "crm: get deal %d", id)
		}
		out = append(out, *d)
	}
	return out, nil
}

// resolver caches entity lookups for the duration of one load.
type resolver struct {
	client pipedrive.Client
	cfg    Config
	people map[int]*pipedrive.Entity
	orgs   map[int]*pipedrive.Entity
}

func newResolver(c pipedrive.Client, cfg Config) *resolver {
	return &resolver{
		client: c,
		cfg:    cfg,
		people: make(map[int]*pipedrive.Entity),
		orgs:   make(map[int]*pipedrive.Entity),
	}
}

func (r *resolver) record(ctx context.Context, d pipedrive.Deal) model.Record {
	rec := model.Record{
		KeyTitle:        d.Title,
		KeyPerson:       d.Person.Name,
		KeyOrganization: d.Org.Name,
		KeyCPF:          "",
		KeyCNPJ:         "",
		KeyDealID:       d.ID,
	}
	if p := r.entity(ctx, r.people, d.Person.ID, r.client.GetPerson); p != nil {
		rec[KeyCPF] = p.Field(r.cfg.PersonCPFKey)
		if d.Person.Name == "" {
			rec[KeyPerson] = p.Name
		}
	}
	if o := r.entity(ctx, r.orgs, d.Org.ID, r.client.GetOrganization); o != nil {
		rec[KeyCNPJ] = o.Field(r.cfg.OrgCNPJKey)
		if d.Org.Name == "" {
			rec[KeyOrganization] = o.Name
		}
	}
	return rec
}

// entity fetches id through get, once per load. Failures are logged and
// cached as nil so the deal is still emitted without the tax ID.
func (r *resolver) entity(ctx context.Context, cache map[int]*pipedrive.Entity, id int,
	get func(context.Context, int) (*pipedrive.Entity, error)) *pipedrive.Entity {
	if id <= 0 {
		return nil
	}
	if e, ok := cache[id]; ok {
		return e
	}
	e, err := get(ctx, id)
	if err != nil {
		zap.L().Warn("crm: entity lookup failed", zap.Int("id", id), zap.Error(err))
		e = nil
	}
	cache[id] = e
	return e
}
