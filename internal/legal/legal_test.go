package legal

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
	"github.com/sells-group/processscan/pkg/judit"
)

const testCallbackURL = "https://hooks.example.com/api/legal/webhook"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "legal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// fakeGateway answers CreateRequest with respond and remembers every call.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []judit.CreateRequest
	respond func(req judit.CreateRequest) (*judit.CreateResponse, error)
}

func (g *fakeGateway) CreateRequest(_ context.Context, req judit.CreateRequest) (*judit.CreateResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.respond == nil {
		return &judit.CreateResponse{RequestID: "prov-" + req.Search.SearchKey}, nil
	}
	return g.respond(req)
}

func (g *fakeGateway) Calls() []judit.CreateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]judit.CreateRequest(nil), g.calls...)
}

// recordingSubmitter remembers submitted batch ids without running them.
type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSubmitter) Submit(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, batchID)
	return s.err
}

func createBatch(t *testing.T, st store.Store, mode model.Mode, records ...model.Record) *model.Batch {
	t.Helper()
	b := &model.Batch{Total: len(records), Mode: mode, WithAttachments: true}
	require.NoError(t, st.CreateBatch(context.Background(), b, records))
	return b
}

func resultsBySubject(t *testing.T, st store.Store, batchID string) map[string]model.Result {
	t.Helper()
	results, err := st.ListResultsForBatch(context.Background(), batchID)
	require.NoError(t, err)
	out := make(map[string]model.Result, len(results))
	for _, r := range results {
		out[r.Subject.ID] = r
	}
	return out
}
