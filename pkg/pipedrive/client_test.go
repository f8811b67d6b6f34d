package pipedrive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/processscan/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("acme", "tok",
		WithBaseURL(srv.URL),
		WithRateLimit(1000),
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
	)
}

func TestNewClient_DomainURL(t *testing.T) {
	c := NewClient("acme", "tok").(*httpClient)
	assert.Equal(t, "https://acme.pipedrive.com/api/v1", c.baseURL)
}

func TestListDeals(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deals", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "tok", q.Get("api_token"))
		assert.Equal(t, "500", q.Get("start"))
		assert.Equal(t, "500", q.Get("limit"))
		assert.Equal(t, "7", q.Get("filter_id"))
		assert.Equal(t, "3", q.Get("pipeline_id"))
		w.Write([]byte(`{"success":true,"data":[
			{"id":1,"title":"Acme","person_id":{"value":10,"name":"Ana"},"org_id":{"value":20,"name":"Acme SA"}},
			{"id":2,"title":"Bare","person_id":11,"org_id":null}
		],"additional_data":{"pagination":{"start":500,"limit":500,"more_items_in_collection":true,"next_start":1000}}}`))
	})

	page, err := c.ListDeals(context.Background(), DealQuery{FilterID: 7, PipelineID: 3, Start: 500, Limit: 9999})
	require.NoError(t, err)
	require.Len(t, page.Deals, 2)
	assert.Equal(t, Ref{ID: 10, Name: "Ana"}, page.Deals[0].Person)
	assert.Equal(t, Ref{ID: 20, Name: "Acme SA"}, page.Deals[0].Org)
	assert.Equal(t, Ref{ID: 11}, page.Deals[1].Person)
	assert.Equal(t, Ref{}, page.Deals[1].Org)
	assert.True(t, page.More)
	assert.Equal(t, 1000, page.NextStart)
}

func TestListDeals_MissingNextStart(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true,"data":[],"additional_data":{"pagination":{"more_items_in_collection":true}}}`))
	})

	page, err := c.ListDeals(context.Background(), DealQuery{Start: 0, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, page.NextStart)
}

func TestSearchDeals(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deals/search", r.URL.Path)
		assert.Equal(t, "Acme", r.URL.Query().Get("term"))
		assert.Equal(t, "title", r.URL.Query().Get("fields"))
		w.Write([]byte(`{"success":true,"data":{"items":[{"item":{"id":4}},{"item":{"id":9}},{"item":{}}]}}`))
	})

	ids, err := c.SearchDeals(context.Background(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 9}, ids)
}

func TestGetPerson_CustomFields(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/persons/10", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"id":10,"name":"Ana","e3c63a":"123.456.789-01","num":12345,"empty":null}}`))
	})

	p, err := c.GetPerson(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, p.ID)
	assert.Equal(t, "Ana", p.Name)
	assert.Equal(t, "123.456.789-01", p.Field("e3c63a"))
	assert.Equal(t, "12345", p.Field("num"))
	assert.Equal(t, "", p.Field("empty"))
	assert.Equal(t, "", p.Field("absent"))
}

func TestGetOrganization_NotFound(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"not found"}`))
	})

	_, err := c.GetOrganization(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDeal_NullData(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true,"data":null}`))
	})

	_, err := c.GetDeal(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPipelinesAndFilters(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pipelines":
			w.Write([]byte(`{"success":true,"data":[{"id":1,"name":"Vendas","active":true}]}`))
		case "/filters":
			assert.Equal(t, "deals", r.URL.Query().Get("type"))
			w.Write([]byte(`{"success":true,"data":[{"id":7,"name":"Quentes","type":"deals","active_flag":true}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	pipes, err := c.ListPipelines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Pipeline{{ID: 1, Name: "Vendas", Active: true}}, pipes)

	filters, err := c.ListFilters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Filter{{ID: 7, Name: "Quentes", Type: "deals", Active: true}}, filters)
}

func TestGet_RetriesTransient(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"success":true,"data":[]}`))
	})

	_, err := c.ListPipelines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_PermanentError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"error":"unauthorized access"}`))
	})

	_, err := c.ListFilters(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}
