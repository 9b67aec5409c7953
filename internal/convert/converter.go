// Package convert turns rendered documents into downloadable artifacts.
//
// Two source shapes exist: the rendered HTML of the full record, converted to DOCX or PDF, and
// the paragraph tree of a single prescription sheet, converted to DOCX. Each pairing is a named
// strategy selected through a Registry.
package convert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-prontuario/internal/domain/record"
)

// Format is the artifact file format
type Format string

const (
	FormatDOCX Format = "docx"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts docx or pdf, case-insensitive. Empty means docx.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "docx":
		return FormatDOCX, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// Extension returns the file extension without the dot
func (f Format) Extension() string { return string(f) }

// ContentType returns the MIME type
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
}

// SourceShape identifies what a converter consumes
type SourceShape string

const (
	ShapeHTML          SourceShape = "html"
	ShapeParagraphTree SourceShape = "paragraph-tree"
)

// Source is the converter input. HTML is set for ShapeHTML, Sheet for ShapeParagraphTree.
type Source struct {
	Shape       SourceShape
	HTML        string
	Sheet       *record.PrescriptionSheet
	Title       string
	GeneratedAt time.Time
}

// Artifact is a complete in-memory document
type Artifact struct {
	Format      Format
	ContentType string
	Data        []byte
}

// Size returns the artifact length in bytes
func (a *Artifact) Size() int { return len(a.Data) }

// ArtifactConverter converts one source shape into one format
type ArtifactConverter interface {
	Format() Format
	Shape() SourceShape
	Convert(ctx context.Context, src Source) (*Artifact, error)
}

// ErrNoConverter is returned when no strategy handles a format and shape
var ErrNoConverter = errors.New("no converter registered")

type strategyKey struct {
	format Format
	shape  SourceShape
}

// Registry maps (format, shape) to a converter
type Registry struct {
	mu         sync.RWMutex
	converters map[strategyKey]ArtifactConverter
}

// NewRegistry registers the given converters
func NewRegistry(converters ...ArtifactConverter) *Registry {
	r := &Registry{converters: make(map[strategyKey]ArtifactConverter)}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the converter for its format and shape
func (r *Registry) Register(c ArtifactConverter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[strategyKey{c.Format(), c.Shape()}] = c
}

// Select returns the converter for a format and shape
func (r *Registry) Select(format Format, shape SourceShape) (ArtifactConverter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[strategyKey{format, shape}]
	if !ok {
		return nil, fmt.Errorf("%w for %s from %s", ErrNoConverter, format, shape)
	}
	return c, nil
}

// DefaultRegistry wires the three built-in strategies
func DefaultRegistry(docx DocxOptions, pdf PDFOptions, stage *Stage) *Registry {
	return NewRegistry(
		NewHTMLDocx(docx),
		NewHTMLPDF(pdf, stage),
		NewSheetDocx(docx),
	)
}

// ConversionError reports a failed conversion. No artifact is produced alongside it.
type ConversionError struct {
	Format Format
	Shape  SourceShape
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s to %s: %v", e.Shape, e.Format, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func conversionError(f Format, s SourceShape, err error) error {
	return &ConversionError{Format: f, Shape: s, Err: err}
}
