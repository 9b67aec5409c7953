// Package record implements the clinical record bundle that feeds document generation.
package record

import (
	"fmt"
	"strings"
)

// PatientRecord holds the patient header fields
type PatientRecord struct {
	Name          string `json:"name"`
	Age           string `json:"age"`
	AdmissionDate string `json:"admissionDate"`
	CurrentDate   string `json:"currentDate"`
	Diagnosis     string `json:"diagnosis"`
	Allergies     string `json:"allergies"`
	Origin        string `json:"origin"`
}

// PrescriptionLine is a single row of the prescription table
type PrescriptionLine struct {
	ID         string `json:"id"`
	Medication string `json:"medication"`
	Dose       string `json:"dose"`
	Route      string `json:"route"`
	Frequency  string `json:"frequency"`
	Notes      string `json:"notes"`
	Time       string `json:"time"`
}

// MedicalNarrative holds the free-text evaluation fields
type MedicalNarrative struct {
	Admission        string `json:"admission"`
	Comorbidities    string `json:"comorbidities"`
	MedicationReason string `json:"medicationReason"`
	PhysicalExam     string `json:"physicalExam"`
	Analysis         string `json:"analysis"`
	Plans            string `json:"plans"`
}

// Bundle is the aggregate snapshot passed to rendering.
// Antibiotics are already resolved from catalog selections.
type Bundle struct {
	Patient       PatientRecord      `json:"patient"`
	Prescriptions []PrescriptionLine `json:"prescriptions"`
	Medical       MedicalNarrative   `json:"medical"`
	Antibiotics   []PrescriptionLine `json:"antibiotics,omitempty"`
}

// PrescriptionSheet is the input of the prescription-only document
type PrescriptionSheet struct {
	PatientName string           `json:"patientName"`
	Date        string           `json:"date"`
	Prescriber  string           `json:"prescriber,omitempty"`
	Line        PrescriptionLine `json:"line"`
}

// ValidationError reports a missing required field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Snapshot returns a copy that shares no slices with b
func (b *Bundle) Snapshot() *Bundle {
	if b == nil {
		return &Bundle{}
	}
	cp := *b
	cp.Prescriptions = cloneLines(b.Prescriptions)
	cp.Antibiotics = cloneLines(b.Antibiotics)
	return &cp
}

// Validate checks the only required field, the patient name
func (b *Bundle) Validate() error {
	if b == nil || strings.TrimSpace(b.Patient.Name) == "" {
		return &ValidationError{Field: "patient.name", Message: "patient name is required"}
	}
	return nil
}

// Describe summarizes the bundle for log lines without dumping clinical text
func (b *Bundle) Describe() string {
	if b == nil {
		return "<nil bundle>"
	}
	return fmt.Sprintf("patient=%q prescriptions=%d antibiotics=%d",
		Truncate(b.Patient.Name, 32), len(b.Prescriptions), len(b.Antibiotics))
}

// Validate checks the prescription sheet has a patient and a medication
func (s *PrescriptionSheet) Validate() error {
	if s == nil || strings.TrimSpace(s.PatientName) == "" {
		return &ValidationError{Field: "patientName", Message: "patient name is required"}
	}
	if strings.TrimSpace(s.Line.Medication) == "" {
		return &ValidationError{Field: "line.medication", Message: "medication is required"}
	}
	return nil
}

func cloneLines(lines []PrescriptionLine) []PrescriptionLine {
	if lines == nil {
		return nil
	}
	out := make([]PrescriptionLine, len(lines))
	copy(out, lines)
	return out
}
