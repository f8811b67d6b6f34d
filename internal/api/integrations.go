package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/crm"
	"github.com/sells-group/processscan/internal/lookup"
	"github.com/sells-group/processscan/internal/model"
)

func (s *server) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.deps.Pipedrive.ListPipelines(r.Context())
	if err != nil {
		zap.L().Error("api: list pipelines", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to list pipelines")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

func (s *server) listFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := s.deps.Pipedrive.ListFilters(r.Context())
	if err != nil {
		zap.L().Error("api: list filters", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to list filters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filters": filters})
}

func (s *server) loadDeals(w http.ResponseWriter, r *http.Request) {
	var q crm.Query
	if err := decodeJSON(r, &q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	records, err := s.deps.CRM.Load(r.Context(), q)
	if err != nil {
		zap.L().Error("api: load deals", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to load deals from crm")
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(records), "records": records})
}

func (s *server) lookupTaxID(w http.ResponseWriter, r *http.Request) {
	prof, err := s.deps.Lookup.Lookup(r.Context(), chi.URLParam(r, "taxID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, prof)
	case errors.Is(err, lookup.ErrInvalidTaxID):
		writeError(w, http.StatusBadRequest, "tax id must have 11 (CPF) or 14 (CNPJ) digits")
	case errors.Is(err, lookup.ErrNotFound):
		writeError(w, http.StatusNotFound, "tax id not found")
	case errors.Is(err, lookup.ErrNoProvider):
		writeError(w, http.StatusNotImplemented, "no provider configured for this tax id")
	default:
		zap.L().Error("api: lookup", zap.Error(err))
		writeError(w, http.StatusBadGateway, "lookup providers unavailable")
	}
}

type enrichRequest struct {
	Records []model.Record `json:"records"`
	Column  string         `json:"column"`
}

func (s *server) enrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must not be empty")
		return
	}
	rows, err := s.deps.Lookup.Enrich(r.Context(), req.Records, req.Column, s.deps.LookupConcurrency)
	if err != nil {
		zap.L().Error("api: enrich", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enrichment interrupted")
		return
	}

	counts := map[string]int{}
	for _, row := range rows {
		counts[row.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(rows),
		"found":   counts[lookup.StatusFound],
		"errors":  counts[lookup.StatusError],
		"skipped": counts[lookup.StatusSkipped],
		"rows":    rows,
	})
}

func (s *server) lookupBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.deps.Lookup.States()})
}
