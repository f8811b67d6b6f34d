package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/crm"
	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
)

type startBatchRequest struct {
	Records         []model.Record `json:"records"`
	OnDemand        bool           `json:"on_demand"`
	WithAttachments *bool          `json:"with_attachments"`
}

type startBatchResponse struct {
	BatchID  string            `json:"batch_id"`
	Status   model.BatchStatus `json:"status"`
	Total    int               `json:"total"`
	Mode     model.Mode        `json:"mode"`
	OnDemand bool              `json:"on_demand"`
}

func newStartBatchResponse(b *model.Batch) startBatchResponse {
	return startBatchResponse{
		BatchID:  b.ID,
		Status:   b.Status,
		Total:    b.Total,
		Mode:     b.Mode,
		OnDemand: b.OnDemand(),
	}
}

// attachments defaults to true when the caller leaves it out.
func attachments(v *bool) bool {
	return v == nil || *v
}

func (s *server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b, err := s.deps.Service.StartBatch(r.Context(), legal.StartRequest{
		Records:         req.Records,
		Mode:            model.ModeFromOnDemand(req.OnDemand),
		WithAttachments: attachments(req.WithAttachments),
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newStartBatchResponse(b))
}

type fromCRMRequest struct {
	crm.Query
	OnDemand        bool  `json:"on_demand"`
	WithAttachments *bool `json:"with_attachments"`
}

func (s *server) startBatchFromCRM(w http.ResponseWriter, r *http.Request) {
	var req fromCRMRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	records, err := s.deps.CRM.Load(r.Context(), req.Query)
	if err != nil {
		zap.L().Error("api: load crm deals", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to load deals from crm")
		return
	}
	b, err := s.deps.Service.StartBatch(r.Context(), legal.StartRequest{
		Records:         records,
		Mode:            model.ModeFromOnDemand(req.OnDemand),
		WithAttachments: attachments(req.WithAttachments),
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newStartBatchResponse(b))
}

func (s *server) listBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BatchFilter{
		Status: model.BatchStatus(q.Get("status")),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		filter.Offset = n
	}

	batches, err := s.deps.Service.ListBatches(r.Context(), filter)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *server) batchStatus(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Service.GetBatchStatus(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *server) batchResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Service.GetBatchResults(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// webhook answers 2xx for anything it could safely act on, including
// unknown and duplicate callbacks, so the provider stops redelivering.
// Store failures answer 5xx and the provider retries.
func (s *server) webhook(w http.ResponseWriter, r *http.Request) {
	if want := s.deps.CallbackToken; want != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	outcome, err := s.deps.Service.ReceiveCallback(r.Context(), raw)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, legal.ErrNoRecords):
		writeError(w, http.StatusBadRequest, "records must not be empty")
	case errors.Is(err, legal.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, "invalid mode")
	case errors.Is(err, legal.ErrMalformedCallback):
		writeError(w, http.StatusBadRequest, "malformed callback")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
