package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/processscan/internal/auth"
	"github.com/sells-group/processscan/internal/crm"
	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/lookup"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
	"github.com/sells-group/processscan/internal/task"
	"github.com/sells-group/processscan/pkg/judit"
	"github.com/sells-group/processscan/pkg/pipedrive"
)

type gateway struct{}

func (gateway) CreateRequest(_ context.Context, req judit.CreateRequest) (*judit.CreateResponse, error) {
	return &judit.CreateResponse{RequestID: "prov-" + req.Search.SearchKey}, nil
}

// inlineSubmitter dispatches before Submit returns.
type inlineSubmitter struct {
	d *legal.Dispatcher
}

func (s inlineSubmitter) Submit(ctx context.Context, batchID string) error {
	_, err := s.d.Dispatch(ctx, batchID, nil)
	return err
}

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSubmitter) Submit(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, batchID)
	return nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := New(Deps{Store: pinger{}})
	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	h = New(Deps{Store: pinger{err: eris.New("connection refused")}})
	rec = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartBatch(t *testing.T) {
	st := newTestStore(t)
	sub := &recordingSubmitter{}
	h := New(Deps{Service: legal.NewService(st, sub), Store: st})

	rec := do(t, h, http.MethodPost, "/api/legal/batches", map[string]any{
		"records":   []map[string]any{{"CPF": "123.456.789-00"}, {"CNPJ": "11.222.333/0001-81"}},
		"on_demand": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	got := decode[startBatchResponse](t, rec)
	assert.NotEmpty(t, got.BatchID)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, model.ModeAsync, got.Mode)
	assert.True(t, got.OnDemand)
	assert.Equal(t, []string{got.BatchID}, sub.ids)

	b, err := st.GetBatch(context.Background(), got.BatchID)
	require.NoError(t, err)
	assert.True(t, b.WithAttachments)
}

func TestStartBatch_Validation(t *testing.T) {
	h := New(Deps{Service: legal.NewService(newTestStore(t), &recordingSubmitter{})})

	rec := do(t, h, http.MethodPost, "/api/legal/batches", map[string]any{"records": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/legal/batches", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchStatus_NotFound(t *testing.T) {
	h := New(Deps{Service: legal.NewService(newTestStore(t), &recordingSubmitter{})})

	rec := do(t, h, http.MethodGet, "/api/legal/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/legal/batches/missing/results", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsyncBatchThroughWebhook(t *testing.T) {
	st := newTestStore(t)
	d := legal.NewDispatcher(st, gateway{}, legal.DispatcherConfig{CallbackURL: "https://scan.example.com/api/legal/webhook?token=t0k"})
	h := New(Deps{
		Service:       legal.NewService(st, inlineSubmitter{d: d}),
		Store:         st,
		CallbackToken: "t0k",
	})

	rec := do(t, h, http.MethodPost, "/api/legal/batches", map[string]any{
		"records":   []map[string]any{{"CPF": "111", "Pessoa": "Ana"}, {"CPF": "222"}},
		"on_demand": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[startBatchResponse](t, rec).BatchID

	status := decode[model.Batch](t, do(t, h, http.MethodGet, "/api/legal/batches/"+id, nil))
	assert.Equal(t, model.BatchStatusAwaitingCallbacks, status.Status)
	assert.Zero(t, status.Processed)

	cb := func(providerID, responseType string) map[string]any {
		return map[string]any{"payload": map[string]any{
			"request_id":    providerID,
			"response_type": responseType,
			"response_data": map[string]any{"code": "0001"},
		}}
	}

	rec = do(t, h, http.MethodPost, WebhookPath, cb("prov-111", judit.ResponseTypeLawsuit))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	rec = do(t, h, http.MethodPost, WebhookPath+"?token=t0k", cb("prov-111", judit.ResponseTypeLawsuit))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"outcome":"applied"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, WebhookPath+"?token=t0k", cb("prov-111", judit.ResponseTypeLawsuit))
	assert.JSONEq(t, `{"outcome":"duplicate"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, WebhookPath+"?token=t0k", cb("prov-unknown", judit.ResponseTypeLawsuit))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"outcome":"unknown"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, WebhookPath+"?token=t0k", cb("prov-222", judit.ResponseTypeApplicationError))
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[legal.BatchResults](t, do(t, h, http.MethodGet, "/api/legal/batches/"+id+"/results", nil))
	assert.Equal(t, model.BatchStatusCompleted, res.Batch.Status)
	assert.Equal(t, 2, res.Batch.Processed)
	assert.Equal(t, 1, res.Batch.Success)
	assert.Equal(t, 1, res.Batch.Error)
	assert.Len(t, res.Results, 2)

	rec = do(t, h, http.MethodPost, WebhookPath+"?token=t0k", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBatches(t *testing.T) {
	st := newTestStore(t)
	svc := legal.NewService(st, &recordingSubmitter{})
	h := New(Deps{Service: svc})

	for range 3 {
		_, err := svc.StartBatch(context.Background(), legal.StartRequest{
			Records: []model.Record{{"CPF": "1"}},
			Mode:    model.ModeSync,
		})
		require.NoError(t, err)
	}

	got := decode[struct {
		Batches []model.Batch `json:"batches"`
	}](t, do(t, h, http.MethodGet, "/api/legal/batches?status=processing&limit=2", nil))
	assert.Len(t, got.Batches, 2)

	rec := do(t, h, http.MethodGet, "/api/legal/batches?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGuardsAPIButNotWebhook(t *testing.T) {
	st := newTestStore(t)
	iss := auth.NewIssuer("s3cret", "processscan", time.Hour)
	h := New(Deps{Service: legal.NewService(st, &recordingSubmitter{}), Store: st, Auth: iss})

	rec := do(t, h, http.MethodGet, "/api/legal/batches", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := iss.Issue("ops")
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/legal/batches", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The provider cannot carry a bearer token.
	rec = do(t, h, http.MethodPost, WebhookPath, `{"payload":{"request_id":"x","response_type":"lawsuit"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type tasksStub []task.Info

func (s tasksStub) Tasks() []task.Info { return s }

func TestListTasks(t *testing.T) {
	h := New(Deps{Tasks: tasksStub{{BatchID: "b1", State: task.StateRunning, Total: 3}}})

	rec := do(t, h, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Tasks []task.Info `json:"tasks"`
	}](t, rec)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "b1", got.Tasks[0].BatchID)
}

// pipedriveStub serves one page of deals without linked entities.
type pipedriveStub struct {
	pipedrive.Client
	deals []pipedrive.Deal
	err   error
}

func (p *pipedriveStub) ListDeals(context.Context, pipedrive.DealQuery) (*pipedrive.DealPage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &pipedrive.DealPage{Deals: p.deals}, nil
}

func (p *pipedriveStub) ListPipelines(context.Context) ([]pipedrive.Pipeline, error) {
	return []pipedrive.Pipeline{{ID: 1, Name: "Vendas", Active: true}}, nil
}

func (p *pipedriveStub) ListFilters(context.Context) ([]pipedrive.Filter, error) {
	return nil, eris.New("status 500")
}

func TestCRMRoutes(t *testing.T) {
	st := newTestStore(t)
	sub := &recordingSubmitter{}
	pd := &pipedriveStub{deals: []pipedrive.Deal{
		{ID: 7, Title: "Acme", Person: pipedrive.Ref{Name: "Ana"}},
		{ID: 8, Title: "Beta"},
	}}
	h := New(Deps{
		Service:   legal.NewService(st, sub),
		CRM:       crm.NewLoader(pd, crm.Config{}),
		Pipedrive: pd,
	})

	rec := do(t, h, http.MethodGet, "/api/crm/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Vendas")

	rec = do(t, h, http.MethodGet, "/api/crm/filters", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/crm/deals", map[string]any{"pipeline_id": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deals := decode[struct {
		Total   int            `json:"total"`
		Records []model.Record `json:"records"`
	}](t, rec)
	assert.Equal(t, 2, deals.Total)
	assert.Equal(t, "Acme", deals.Records[0][crm.KeyTitle])

	rec = do(t, h, http.MethodPost, "/api/legal/batches/from-crm", map[string]any{"pipeline_id": 1, "on_demand": false})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := decode[startBatchResponse](t, rec)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, model.ModeSync, got.Mode)
	assert.Len(t, sub.ids, 1)

	pd.err = eris.New("status 502")
	rec = do(t, h, http.MethodPost, "/api/legal/batches/from-crm", map[string]any{"pipeline_id": 1})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type providerStub struct {
	profiles map[string]*lookup.Profile
}

func (providerStub) Name() string                         { return "stub" }
func (providerStub) Supports(kind model.SubjectKind) bool { return kind == model.SubjectOrganization }

func (p providerStub) Lookup(_ context.Context, taxID string, kind model.SubjectKind) (*lookup.Profile, error) {
	if prof, ok := p.profiles[taxID]; ok {
		return prof, nil
	}
	return nil, lookup.ErrNotFound
}

func TestLookupRoutes(t *testing.T) {
	chain := lookup.NewChain(lookup.Config{}, providerStub{profiles: map[string]*lookup.Profile{
		"11222333000181": {TaxID: "11222333000181", Kind: model.SubjectOrganization, Provider: "stub", Name: "ACME LTDA"},
	}})
	h := New(Deps{Lookup: chain})

	rec := do(t, h, http.MethodGet, "/api/lookup/11.222.333.0001-81", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACME LTDA", decode[lookup.Profile](t, rec).Name)

	rec = do(t, h, http.MethodGet, "/api/lookup/99888777000166", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/lookup/123", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/lookup/12345678901", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/lookup/enrich", map[string]any{
		"column": "doc",
		"records": []map[string]any{
			{"doc": "11222333000181"},
			{"doc": ""},
			{"doc": "99888777000166"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[struct {
		Total   int          `json:"total"`
		Found   int          `json:"found"`
		Errors  int          `json:"errors"`
		Skipped int          `json:"skipped"`
		Rows    []lookup.Row `json:"rows"`
	}](t, rec)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 1, got.Found)
	assert.Equal(t, 1, got.Errors)
	assert.Equal(t, 1, got.Skipped)
	assert.Equal(t, lookup.StatusFound, got.Rows[0].Status)

	rec = do(t, h, http.MethodGet, "/api/lookup/breakers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
