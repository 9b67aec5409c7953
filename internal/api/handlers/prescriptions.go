package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/notify"
)

// PrescriptionHandler serves the single prescription sheet
type PrescriptionHandler struct {
	gen     Generator
	catalog *record.Catalog
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(gen Generator, catalog *record.Catalog, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = record.DefaultCatalog()
	}
	return &PrescriptionHandler{gen: gen, catalog: catalog, logger: logger.Named("prescriptions")}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sheet", h.Sheet)
	return r
}

// SheetRequest carries either a literal line or a catalog selection
type SheetRequest struct {
	PatientName string                   `json:"patientName"`
	Date        string                   `json:"date,omitempty"`
	Prescriber  string                   `json:"prescriber,omitempty"`
	Line        *record.PrescriptionLine `json:"line,omitempty"`
	Kind        record.Kind              `json:"kind,omitempty"`
	Selection   *record.Selection        `json:"selection,omitempty"`
}

func (h *PrescriptionHandler) sheet(req SheetRequest) (*record.PrescriptionSheet, error) {
	sheet := &record.PrescriptionSheet{
		PatientName: req.PatientName,
		Date:        req.Date,
		Prescriber:  req.Prescriber,
	}
	switch {
	case req.Selection != nil:
		kind := req.Kind
		if kind == "" {
			kind = record.KindInjectable
		}
		lines, err := h.catalog.ResolveSelections(kind, []record.Selection{*req.Selection})
		if err != nil {
			return nil, err
		}
		sheet.Line = lines[0]
	case req.Line != nil:
		sheet.Line = *req.Line
	}
	return sheet, nil
}

// Sheet handles POST /prescriptions/sheet
func (h *PrescriptionHandler) Sheet(w http.ResponseWriter, r *http.Request) {
	var req SheetRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sheet, err := h.sheet(req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec := &notify.Recorder{}
	ctx := notify.WithRecorder(r.Context(), rec)
	saver := &attachment{w: w}
	if _, err := h.gen.GenerateSheet(ctx, generation.SheetRequest{Sheet: sheet, Saver: saver}); err != nil {
		generationFailed(w, h.logger, saver, err, rec)
	}
}
