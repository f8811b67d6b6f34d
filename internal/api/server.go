// Package api exposes the batch service, CRM import and registry lookups
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/auth"
	"github.com/sells-group/processscan/internal/crm"
	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/lookup"
	"github.com/sells-group/processscan/internal/task"
	"github.com/sells-group/processscan/pkg/pipedrive"
)

// WebhookPath is where the provider delivers callbacks.
const WebhookPath = "/api/legal/webhook"

// maxBodyBytes caps request bodies; callbacks with many processes are the
// largest payloads we accept.
const maxBodyBytes = 32 << 20

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TaskLister exposes in-process dispatch tasks.
type TaskLister interface {
	Tasks() []task.Info
}

// Deps are the collaborators behind the routes. Optional ones may be nil;
// their routes are then not mounted.
type Deps struct {
	Service *legal.Service
	Store   Pinger

	CRM       *crm.Loader
	Pipedrive pipedrive.Client

	Lookup            *lookup.Chain
	LookupConcurrency int

	Tasks TaskLister

	// Auth guards /api/* except the webhook when set.
	Auth *auth.Issuer
	// CallbackToken, when set, must match the webhook's token query param.
	CallbackToken string
	CORSOrigins   []string
}

type server struct {
	deps Deps
}

// New builds the HTTP handler.
func New(deps Deps) http.Handler {
	if deps.LookupConcurrency <= 0 {
		deps.LookupConcurrency = 5
	}
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(deps.CORSOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.MaxBytesHandler(next, maxBodyBytes)
		})
		if deps.Auth != nil {
			r.Use(deps.Auth.Middleware(WebhookPath))
		}

		r.Post("/legal/webhook", s.webhook)
		r.Route("/legal/batches", func(r chi.Router) {
			r.Post("/", s.startBatch)
			r.Get("/", s.listBatches)
			if deps.CRM != nil {
				r.Post("/from-crm", s.startBatchFromCRM)
			}
			r.Get("/{batchID}", s.batchStatus)
			r.Get("/{batchID}/results", s.batchResults)
		})

		if deps.Tasks != nil {
			r.Get("/tasks", s.listTasks)
		}

		if deps.Pipedrive != nil {
			r.Get("/crm/pipelines", s.listPipelines)
			r.Get("/crm/filters", s.listFilters)
		}
		if deps.CRM != nil {
			r.Post("/crm/deals", s.loadDeals)
		}

		if deps.Lookup != nil {
			r.Get("/lookup/breakers", s.lookupBreakers)
			r.Get("/lookup/{taxID}", s.lookupTaxID)
			r.Post("/lookup/enrich", s.enrich)
		}
	})

	return r
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *server) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.deps.Tasks.Tasks()
	if tasks == nil {
		tasks = []task.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// accessLog logs one line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
