// Package handlers provides HTTP handlers for the prontuário API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/notify"
)

// maxBodyBytes bounds request bodies; clinical narratives are plain text
const maxBodyBytes = 1 << 20

// HistoryStatusTrailer carries saved, failed or skipped after the artifact body
const HistoryStatusTrailer = "X-History-Status"

// Generator runs document attempts. *generation.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Outcome, error)
	GenerateSheet(ctx context.Context, req generation.SheetRequest) (*generation.Outcome, error)
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error         string                `json:"error"`
	Notifications []notify.Notification `json:"notifications,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func parseFormat(r *http.Request) (convert.Format, error) {
	return convert.ParseFormat(r.URL.Query().Get("format"))
}

// attachment streams the artifact as the response body
type attachment struct {
	w http.ResponseWriter
	// trailer keeps Content-Length unset so the history trailer can follow the body
	trailer bool
	written bool
}

func (a *attachment) Save(_ context.Context, fileName string, art *convert.Artifact) error {
	h := a.w.Header()
	h.Set("Content-Type", art.ContentType)
	h.Set("Content-Disposition", contentDisposition(fileName))
	if !a.trailer {
		h.Set("Content-Length", strconv.Itoa(art.Size()))
	}
	a.w.WriteHeader(http.StatusOK)
	a.written = true
	if _, err := a.w.Write(art.Data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if f, ok := a.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// contentDisposition keeps an ASCII fallback next to the UTF-8 name
func contentDisposition(fileName string) string {
	ascii := make([]rune, 0, len(fileName))
	for _, r := range fileName {
		if r > 0x7e || r < 0x20 || r == '"' || r == '\\' {
			r = '_'
		}
		ascii = append(ascii, r)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, string(ascii), url.PathEscape(fileName))
}

// generationFailed writes the error response of a failed attempt unless the body already started
func generationFailed(w http.ResponseWriter, logger *zap.Logger, saver *attachment, err error, rec *notify.Recorder) {
	if saver.written {
		logger.Warn("attempt failed after the response started", zap.Error(err))
		return
	}
	code := http.StatusInternalServerError
	msg := "document generation failed"
	var verr *record.ValidationError
	switch {
	case errors.As(err, &verr):
		code = http.StatusUnprocessableEntity
		msg = verr.Error()
	case errors.Is(err, convert.ErrNoConverter):
		code = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, context.Canceled):
		// client went away
		return
	}
	writeJSON(w, code, ErrorResponse{Error: msg, Notifications: rec.All()})
}
