package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shopwatch/prodstore/internal/prodstore"
)

type ServerConfig struct {
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Services are the store-layer collaborators the HTTP surface exposes.
type Services struct {
	Store      *prodstore.Store
	Monitoring *prodstore.MonitoringLog
	Reconciler *prodstore.Reconciler
	Fetcher    *prodstore.Fetcher
	Activity   *prodstore.ActivityLog
}

type Server struct {
	svc     Services
	cfg     ServerConfig
	schemas *prodstore.PayloadSchemas
	router  chi.Router
}

func NewServer(svc Services) (*Server, error) {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc Services, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schemas, err := prodstore.CompilePayloadSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{svc: svc, cfg: cfg, schemas: schemas}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/entities", s.handleListEntities)
	r.Route("/entities/{id}", func(r chi.Router) {
		r.Post("/persist", s.handlePersist)
		r.Get("/record", s.handleReadRecord)
		r.Post("/monitoring", s.handleAppendMonitoring)
		r.Get("/monitoring", s.handleReadMonitoring)
		r.Post("/monitoring/replay", s.handleReplayMonitoring)
		r.Post("/media/diff", s.handleMediaDiff)
		r.Post("/media/fetch", s.handleMediaFetch)
		r.Post("/media/merge", s.handleMediaMerge)
		r.Get("/attachments", s.handleListAttachments)
		r.Get("/images", s.handleListImages)
		r.Get("/videos", s.handleListVideos)
	})
	r.Get("/activity/recent", s.handleActivityRecent)
	r.Get("/activity", s.handleActivityPage)
	r.Get("/activity/stream", s.handleActivityStream)
	return r
}

// PersistRequest carries one collection pass: the record plus the optional
// raw payload, provisional media manifest, and observations.
type PersistRequest struct {
	Record       json.RawMessage     `json:"record"`
	RawPayload   json.RawMessage     `json:"rawPayload,omitempty"`
	Manifest     *prodstore.Manifest `json:"manifest,omitempty"`
	Observations json.RawMessage     `json:"observations,omitempty"`
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	var req PersistRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Record) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "record is required", correlationID)
		return
	}
	if err := s.schemas.ValidateRecord(req.Record); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	var rec prodstore.Record
	if err := json.Unmarshal(req.Record, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed record payload", correlationID)
		return
	}
	var observations []prodstore.Observation
	if len(req.Observations) > 0 {
		if err := s.schemas.ValidateObservations(req.Observations); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		var err error
		observations, err = decodeObservations(req.Observations)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed observations payload", correlationID)
			return
		}
	}

	if err := s.svc.Store.WriteRecord(id, rec); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if len(req.RawPayload) > 0 {
		if _, err := s.svc.Store.WriteRawSnapshot(id, req.RawPayload, time.Now()); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	if req.Manifest != nil {
		if err := s.svc.Reconciler.WriteProvisional(id, *req.Manifest); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	if len(observations) > 0 {
		if err := s.svc.Monitoring.AppendBatch(id, observations); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"entityId": id,
	})
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	rec, err := s.svc.Store.ReadRecord(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAppendMonitoring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.schemas.ValidateObservations(body); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	observations, err := decodeObservations(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed observations payload", correlationID)
		return
	}
	if err := s.svc.Monitoring.AppendBatch(id, observations); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"appended": len(observations),
	})
}

func (s *Server) handleReadMonitoring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	observations, err := s.svc.Monitoring.Read(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, observations)
}

func (s *Server) handleReplayMonitoring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	obs, err := s.svc.Monitoring.ReplayLatest(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleMediaDiff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	delta, err := s.svc.Reconciler.Diff(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

type fetchRequest struct {
	Items []prodstore.MediaItem `json:"items,omitempty"`
}

func (s *Server) handleMediaFetch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	var req fetchRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed fetch payload", correlationID)
			return
		}
	}
	items := req.Items
	if len(items) == 0 {
		// No explicit list: fetch whatever the provisional manifest adds.
		delta, err := s.svc.Reconciler.Diff(id)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		items = delta.NewItems
	}
	results, err := s.svc.Fetcher.FetchAll(r.Context(), id, items)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

type mergeRequest struct {
	DownloadResults []prodstore.DownloadResult `json:"downloadResults,omitempty"`
}

func (s *Server) handleMediaMerge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	var req mergeRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed merge payload", correlationID)
			return
		}
	}
	result, err := s.svc.Reconciler.Merge(id, req.DownloadResults)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	ids, err := s.svc.Store.ListEntities()
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": ids})
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	attachments, err := s.svc.Store.ListAttachments(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": attachments})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	s.handleListMedia(w, r, s.svc.Store.ListImages, "images")
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	s.handleListMedia(w, r, s.svc.Store.ListVideos, "videos")
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request, list func(string) ([]prodstore.MediaFile, error), key string) {
	id := chi.URLParam(r, "id")
	correlationID := getCorrelationID(r)
	files, err := list(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{key: files})
}

func (s *Server) handleActivityRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.svc.Activity.Recent(limit),
	})
}

func (s *Server) handleActivityPage(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	entries, total := s.svc.Activity.Page(page, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"page":    page,
		"limit":   limit,
		"total":   total,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, prodstore.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid_entity_id", err.Error(), correlationID)
	case errors.Is(err, prodstore.ErrValidation), errors.Is(err, prodstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, prodstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "entity or document not found", correlationID)
	case errors.Is(err, prodstore.ErrParse):
		writeError(w, http.StatusUnprocessableEntity, "parse_error", err.Error(), correlationID)
	case errors.Is(err, prodstore.ErrNoProvisional):
		writeError(w, http.StatusConflict, "no_provisional_manifest", err.Error(), correlationID)
	default:
		s.cfg.Logger.Error("request failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func decodeObservations(raw []byte) ([]prodstore.Observation, error) {
	var many []prodstore.Observation
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one prodstore.Observation
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []prodstore.Observation{one}, nil
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body", correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
