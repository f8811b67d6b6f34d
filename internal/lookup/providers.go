package lookup

import (
	"context"
	"errors"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/pkg/assertiva"
	"github.com/sells-group/processscan/pkg/invertexto"
)

// Invertexto adapts the Invertexto client. It only knows CNPJs.
type Invertexto struct {
	Client invertexto.Client
}

// Name implements Provider.
func (Invertexto) Name() string { return "invertexto" }

// Supports implements Provider.
func (Invertexto) Supports(k model.SubjectKind) bool { return k == model.SubjectOrganization }

// Lookup implements Provider.
func (p Invertexto) Lookup(ctx context.Context, taxID string, _ model.SubjectKind) (*Profile, error) {
	c, err := p.Client.CNPJ(ctx, taxID)
	if errors.Is(err, invertexto.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	name := c.RazaoSocial
	if name == "" {
		name = c.NomeFantasia
	}
	return &Profile{
		TaxID:     taxID,
		Kind:      model.SubjectOrganization,
		Provider:  p.Name(),
		Name:      name,
		TradeName: c.NomeFantasia,
		Status:    c.Situacao.Nome,
		Raw:       c.Raw,
	}, nil
}

// Assertiva adapts the Assertiva client for both CPFs and CNPJs.
type Assertiva struct {
	Client assertiva.Client
}

// Name implements Provider.
func (Assertiva) Name() string { return "assertiva" }

// Supports implements Provider.
func (Assertiva) Supports(model.SubjectKind) bool { return true }

// Lookup implements Provider.
func (p Assertiva) Lookup(ctx context.Context, taxID string, kind model.SubjectKind) (*Profile, error) {
	var rec *assertiva.Record
	var err error
	if kind == model.SubjectOrganization {
		rec, err = p.Client.CNPJ(ctx, taxID)
	} else {
		rec, err = p.Client.CPF(ctx, taxID)
	}
	if errors.Is(err, assertiva.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Profile{
		TaxID:    taxID,
		Kind:     kind,
		Provider: p.Name(),
		Name:     rec.Name,
		Status:   rec.Status,
		Raw:      rec.Raw,
	}, nil
}
