package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/api/middleware"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/history"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/pkg/circuitbreaker"
)

// History reads stored records. *history.Adapter implements it.
type History interface {
	List(ctx context.Context, userID string, limit int) ([]*record.Summary, error)
	Load(ctx context.Context, userID, id string) (*record.Bundle, error)
}

// Enqueuer schedules asynchronous regeneration. *record.Repository implements it.
type Enqueuer interface {
	EnqueueRegeneration(ctx context.Context, data *record.RegenerationRequestedData, topic string) error
}

// RecordHandler serves the history of the authenticated user
type RecordHandler struct {
	history  History
	gen      Generator
	enqueuer Enqueuer
	topic    string
	logger   *zap.Logger
}

// NewRecordHandler creates a new handler. enqueuer may be nil, which disables /regenerate.
func NewRecordHandler(h History, gen Generator, enqueuer Enqueuer, topic string, logger *zap.Logger) *RecordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler{
		history:  h,
		gen:      gen,
		enqueuer: enqueuer,
		topic:    topic,
		logger:   logger.Named("records"),
	}
}

// Routes returns the handler routes. Every route requires a user.
func (h *RecordHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/document", h.Document)
	r.Post("/{id}/regenerate", h.Regenerate)
	return r
}

// List handles GET /records?limit=
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.history.List(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		h.historyError(w, err)
		return
	}
	if list == nil {
		list = []*record.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /records/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.history.Load(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Document handles POST /records/{id}/document?format= and regenerates synchronously.
// The record is already in history, so it is not stored again.
func (h *RecordHandler) Document(w http.ResponseWriter, r *http.Request) {
	format, err := parseFormat(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	b, err := h.history.Load(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.historyError(w, err)
		return
	}

	rec := &notify.Recorder{}
	ctx = notify.WithRecorder(ctx, rec)
	saver := &attachment{w: w}
	if _, err := h.gen.Generate(ctx, generation.Request{
		UserID:      middleware.GetUserID(ctx),
		Bundle:      b,
		Format:      format,
		Saver:       saver,
		SkipPersist: true,
	}); err != nil {
		generationFailed(w, h.logger, saver, err, rec)
	}
}

// RegenerateResponse acknowledges an enqueued regeneration
type RegenerateResponse struct {
	RequestID string `json:"request_id"`
	RecordID  string `json:"record_id"`
	Format    string `json:"format"`
}

// Regenerate handles POST /records/{id}/regenerate?format=
func (h *RecordHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		jsonError(w, "asynchronous regeneration is disabled", http.StatusNotImplemented)
		return
	}
	format, err := parseFormat(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	id := chi.URLParam(r, "id")
	if _, err := h.history.Load(ctx, userID, id); err != nil {
		h.historyError(w, err)
		return
	}

	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	data := &record.RegenerationRequestedData{
		RecordID:    id,
		UserID:      userID,
		Format:      string(format),
		RequestID:   requestID,
		RequestedAt: time.Now().UTC(),
	}
	if err := h.enqueuer.EnqueueRegeneration(ctx, data, h.topic); err != nil {
		h.logger.Error("enqueue regeneration failed", zap.String("record_id", id), zap.Error(err))
		jsonError(w, "failed to enqueue regeneration", http.StatusInternalServerError)
		return
	}

	h.logger.Info("regeneration enqueued",
		zap.String("record_id", id),
		zap.String("request_id", requestID),
		zap.String("format", string(format)))
	writeJSON(w, http.StatusAccepted, RegenerateResponse{RequestID: requestID, RecordID: id, Format: string(format)})
}

func (h *RecordHandler) historyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		jsonError(w, "record not found", http.StatusNotFound)
	case errors.Is(err, history.ErrUnauthenticated):
		jsonError(w, "missing API key", http.StatusUnauthorized)
	case errors.Is(err, circuitbreaker.ErrOpen):
		jsonError(w, "history temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("history read failed", zap.Error(err))
		jsonError(w, "failed to read history", http.StatusInternalServerError)
	}
}
