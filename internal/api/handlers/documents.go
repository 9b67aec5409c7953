package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/api/middleware"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/notify"
)

// DocumentHandler handles full-record document endpoints
type DocumentHandler struct {
	gen      Generator
	renderer generation.Renderer
	catalog  *record.Catalog
	logger   *zap.Logger
}

// NewDocumentHandler creates a new handler
func NewDocumentHandler(gen Generator, renderer generation.Renderer, catalog *record.Catalog, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = record.DefaultCatalog()
	}
	return &DocumentHandler{
		gen:      gen,
		renderer: renderer,
		catalog:  catalog,
		logger:   logger.Named("documents"),
	}
}

// Routes returns the handler routes
func (h *DocumentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/preview", h.Preview)
	return r
}

// DocumentRequest is the form state posted by the client. Antibiotics arrive as catalog
// selections and are resolved here.
type DocumentRequest struct {
	Patient       record.PatientRecord      `json:"patient"`
	Prescriptions []record.PrescriptionLine `json:"prescriptions"`
	Medical       record.MedicalNarrative   `json:"medical"`
	Antibiotics   []record.Selection        `json:"antibiotics,omitempty"`
}

func (h *DocumentHandler) bundle(w http.ResponseWriter, r *http.Request) (*record.Bundle, bool) {
	var req DocumentRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	antibiotics, err := h.catalog.ResolveSelections(record.KindAntibiotic, req.Antibiotics)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &record.Bundle{
		Patient:       req.Patient,
		Prescriptions: req.Prescriptions,
		Medical:       req.Medical,
		Antibiotics:   antibiotics,
	}, true
}

// Create handles POST /documents?format=docx|pdf. The artifact is the body;
// the history outcome follows as a trailer.
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("document-handler")
	ctx, span := tracer.Start(ctx, "create_document")
	defer span.End()

	format, err := parseFormat(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, ok := h.bundle(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("format", string(format)))

	rec := &notify.Recorder{}
	ctx = notify.WithRecorder(ctx, rec)
	saver := &attachment{w: w, trailer: true}
	w.Header().Set("Trailer", HistoryStatusTrailer)

	out, err := h.gen.Generate(ctx, generation.Request{
		UserID: middleware.GetUserID(ctx),
		Bundle: b,
		Format: format,
		Saver:  saver,
	})
	if err != nil {
		generationFailed(w, h.logger, saver, err, rec)
		return
	}
	w.Header().Set(HistoryStatusTrailer, string(out.History))

	h.logger.Info("document served",
		zap.String("file", out.FileName),
		zap.String("history", string(out.History)),
		zap.String("request_id", middleware.GetRequestID(ctx)))
}

// Preview handles POST /documents/preview and returns the rendered HTML
func (h *DocumentHandler) Preview(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bundle(w, r)
	if !ok {
		return
	}
	if err := b.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	html, err := h.renderer.Render(b, time.Now())
	if err != nil {
		h.logger.Error("preview render failed", zap.Error(err), zap.String("input", record.Truncate(b.Describe(), 200)))
		jsonError(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(html))
}
