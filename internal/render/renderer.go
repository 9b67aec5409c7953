// Package render turns a record bundle into the standalone HTML document both converters consume.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/drfirst/go-prontuario/internal/domain/record"
)

//go:embed templates/*.tmpl
var templates embed.FS

// DefaultPrescriptionRows is the fixed height of the prescription table
const DefaultPrescriptionRows = 18

// GeneratedAtLayout formats the footer timestamp
const GeneratedAtLayout = "02/01/2006 15:04"

// Options selects between the layouts that share the template
type Options struct {
	Title string
	// PrescriptionRows pads the prescription table to this many rows. It never truncates.
	PrescriptionRows int
	// AntibioticsSection enables the antibiotics table when the bundle carries antibiotics
	AntibioticsSection bool
}

// DefaultOptions returns the full record layout
func DefaultOptions() Options {
	return Options{
		Title:              "PRONTUÁRIO MÉDICO",
		PrescriptionRows:   DefaultPrescriptionRows,
		AntibioticsSection: true,
	}
}

// Error wraps a template execution failure
type Error struct {
	Err error
}

func (e *Error) Error() string { return "render: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Renderer renders bundles with an immutable parsed template. It is safe for concurrent use.
type Renderer struct {
	tpl  *template.Template
	opts Options
}

// New parses the embedded template
func New(opts Options) (*Renderer, error) {
	if opts.PrescriptionRows < 0 {
		return nil, fmt.Errorf("render: negative prescription row count %d", opts.PrescriptionRows)
	}
	if opts.Title == "" {
		opts.Title = DefaultOptions().Title
	}
	tpl, err := template.ParseFS(templates, "templates/prontuario.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("render: parse template: %w", err)
	}
	return &Renderer{tpl: tpl, opts: opts}, nil
}

// Options returns the layout options
func (r *Renderer) Options() Options { return r.opts }

type row struct {
	N    int
	Line record.PrescriptionLine
}

type view struct {
	Title         string
	CurrentDate   string
	AdmissionDate string
	Patient       record.PatientRecord
	Medical       record.MedicalNarrative
	Rows          []row
	Antibiotics   []row
	GeneratedAt   string
}

// Render produces the complete HTML document. Output depends only on the bundle and generatedAt.
func (r *Renderer) Render(b *record.Bundle, generatedAt time.Time) (string, error) {
	if b == nil {
		return "", &Error{Err: errors.New("nil bundle")}
	}

	v := view{
		Title:         r.opts.Title,
		CurrentDate:   record.FormatDate(b.Patient.CurrentDate),
		AdmissionDate: record.FormatDate(b.Patient.AdmissionDate),
		Patient:       b.Patient,
		Medical:       b.Medical,
		Rows:          padRows(b.Prescriptions, r.opts.PrescriptionRows),
		GeneratedAt:   generatedAt.Format(GeneratedAtLayout),
	}
	if r.opts.AntibioticsSection && len(b.Antibiotics) > 0 {
		v.Antibiotics = padRows(b.Antibiotics, 0)
	}

	var buf bytes.Buffer
	if err := r.tpl.Execute(&buf, v); err != nil {
		return "", &Error{Err: err}
	}
	return buf.String(), nil
}

// padRows numbers the lines from 1 and appends empty numbered rows up to total
func padRows(lines []record.PrescriptionLine, total int) []row {
	n := len(lines)
	if total > n {
		n = total
	}
	rows := make([]row, n)
	for i := range rows {
		rows[i].N = i + 1
		if i < len(lines) {
			rows[i].Line = lines[i]
		}
	}
	return rows
}
