package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/offline"
	"offline-sync-engine/internal/syncer"
	"offline-sync-engine/internal/telemetry"
)

// Engine is what the HTTP layer needs from the offline service.
type Engine interface {
	IsOnline() bool
	Enqueue(ctx context.Context, in models.QueueItemInput) (models.QueueItem, error)
	GetPendingCount(ctx context.Context, tenantID string) (int, error)
	SyncOfflineData(ctx context.Context, apply syncer.ApplyFunc, tenantID, userID string) (syncer.Result, error)
	ListFailed(ctx context.Context, tenantID string) ([]models.QueueItem, error)
	RetryFailed(ctx context.Context, tenantID, id string) error
	DiscardFailed(ctx context.Context, tenantID, id, discardedBy string) (string, error)
}

// Limiter throttles enqueue per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, float64, error)
}

// HeaderUser names the acting user on sync and discard requests.
const HeaderUser = "X-User-ID"

// Server wires HTTP handlers for the hosting application.
type Server struct {
	engine  Engine
	apply   syncer.ApplyFunc
	limiter Limiter
	log     logrus.FieldLogger
}

// New constructs the API server. apply is used for manual sync requests;
// limiter may be nil.
func New(engine Engine, apply syncer.ApplyFunc, limiter Limiter, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{engine: engine, apply: apply, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/status", s.handleStatus)

	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Post("/queue", s.handleEnqueue)
		r.Get("/pending-count", s.handlePendingCount)
		r.Post("/sync", s.handleSync)
		r.Get("/failed", s.handleListFailed)
		r.Post("/failed/{id}/retry", s.handleRetry)
		r.Delete("/failed/{id}", s.handleDiscard)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.engine.IsOnline()})
}

type enqueueRequest struct {
	UserID     string               `json:"user_id"`
	TableName  string               `json:"table_name"`
	Operation  models.OperationType `json:"operation_type"`
	RecordID   *string              `json:"record_id"`
	LocalRef   *string              `json:"local_ref"`
	RecordData map[string]any       `json:"record_data"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(HeaderUser)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.log.WithError(err).WithField("tenant", tenant).Error("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	item, err := s.engine.Enqueue(r.Context(), models.QueueItemInput{
		TenantID:   tenant,
		UserID:     req.UserID,
		TableName:  req.TableName,
		Operation:  req.Operation,
		RecordID:   req.RecordID,
		LocalRef:   req.LocalRef,
		RecordData: req.RecordData,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	n, err := s.engine.GetPendingCount(r.Context(), tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant, "pending": n})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.apply == nil {
		http.Error(w, "no remote configured", http.StatusServiceUnavailable)
		return
	}
	tenant := chi.URLParam(r, "tenant")
	res, err := s.engine.SyncOfflineData(r.Context(), s.apply, tenant, r.Header.Get(HeaderUser))
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if res.Skipped {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListFailed(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryFailed(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	loc, err := s.engine.DiscardFailed(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"), r.Header.Get(HeaderUser))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "archive": loc})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidItem):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, offline.ErrNotFailed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, offline.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case models.IsStorageError(err):
		s.log.WithError(err).Error("queue storage unavailable")
		http.Error(w, "queue storage unavailable", http.StatusServiceUnavailable)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
