package render

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-prontuario/internal/domain/record"
)

var (
	rxRow       = regexp.MustCompile(`<tr class="rx-row"><td class="num">(\d+)</td>(.*?)</tr>`)
	atbRow      = regexp.MustCompile(`<tr class="atb-row">`)
	emptyCells  = strings.Repeat("<td></td>", 6)
	generatedAt = time.Date(2024, 3, 7, 14, 5, 0, 0, time.UTC)
)

func newRenderer(t *testing.T, opts Options) *Renderer {
	t.Helper()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func lines(n int) []record.PrescriptionLine {
	out := make([]record.PrescriptionLine, n)
	for i := range out {
		out[i] = record.PrescriptionLine{
			ID:         fmt.Sprint(i + 1),
			Medication: fmt.Sprintf("MED%02d", i+1),
			Dose:       "1G",
			Route:      "EV",
			Frequency:  "8/8H",
			Notes:      "obs",
			Time:       "06H",
		}
	}
	return out
}

func TestPrescriptionTablePadding(t *testing.T) {
	r := newRenderer(t, DefaultOptions())

	for _, n := range []int{0, 1, 5, 17, 18} {
		t.Run(fmt.Sprintf("%d lines", n), func(t *testing.T) {
			html, err := r.Render(&record.Bundle{
				Patient:       record.PatientRecord{Name: "Maria"},
				Prescriptions: lines(n),
			}, generatedAt)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}

			rows := rxRow.FindAllStringSubmatch(html, -1)
			if len(rows) != DefaultPrescriptionRows {
				t.Fatalf("got %d rows, want %d", len(rows), DefaultPrescriptionRows)
			}
			for i, m := range rows {
				if m[1] != fmt.Sprint(i+1) {
					t.Errorf("row %d numbered %s", i+1, m[1])
				}
				empty := m[2] == emptyCells
				if i < n && empty {
					t.Errorf("row %d should carry a prescription", i+1)
				}
				if i >= n && !empty {
					t.Errorf("padding row %d not empty: %s", i+1, m[2])
				}
			}
		})
	}
}

func TestPrescriptionTableNeverTruncates(t *testing.T) {
	r := newRenderer(t, DefaultOptions())

	html, err := r.Render(&record.Bundle{
		Patient:       record.PatientRecord{Name: "Maria"},
		Prescriptions: lines(25),
	}, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	rows := rxRow.FindAllStringSubmatch(html, -1)
	if len(rows) != 25 {
		t.Fatalf("got %d rows, want 25", len(rows))
	}
	if !strings.Contains(rows[24][2], "MED25") {
		t.Errorf("last row = %s", rows[24][2])
	}
}

func TestRowColumnOrder(t *testing.T) {
	r := newRenderer(t, DefaultOptions())

	html, err := r.Render(&record.Bundle{
		Patient: record.PatientRecord{Name: "Maria Silva"},
		Prescriptions: []record.PrescriptionLine{
			{Medication: "PARACETAMOL", Dose: "500MG", Route: "ORAL", Frequency: "8/8H"},
		},
	}, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	want := `<td class="num">1</td><td>PARACETAMOL</td><td>500MG</td><td>ORAL</td><td>8/8H</td><td></td><td></td></tr>`
	if !strings.Contains(html, want) {
		t.Errorf("row not found in column order; html:\n%s", html)
	}
}

func TestPatientTableOnceBeforePrescriptions(t *testing.T) {
	r := newRenderer(t, DefaultOptions())

	html, err := r.Render(&record.Bundle{
		Patient: record.PatientRecord{
			Name:          "Maria Silva",
			Age:           "67",
			AdmissionDate: "2024-03-05",
			CurrentDate:   "2024-03-07",
		},
	}, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if c := strings.Count(html, `<table class="patient">`); c != 1 {
		t.Fatalf("patient table appears %d times", c)
	}
	patientAt := strings.Index(html, `<table class="patient">`)
	rxAt := strings.Index(html, `<table class="prescription">`)
	if patientAt > rxAt {
		t.Error("patient table must precede the prescription table")
	}

	patient := html[patientAt : strings.Index(html[patientAt:], "</table>")+patientAt]
	if c := strings.Count(patient, "<tr>"); c != 2 {
		t.Errorf("patient table has %d rows, want 2", c)
	}
	for _, s := range []string{"05/03/2024", "Data: 07/03/2024", "Gerado em 07/03/2024 14:05"} {
		if !strings.Contains(html, s) {
			t.Errorf("missing %q", s)
		}
	}
}

func TestAntibioticsSection(t *testing.T) {
	atb := []record.PrescriptionLine{{Medication: "CEFTRIAXONA", Dose: "2G", Route: "EV", Frequency: "24/24H", Notes: "DILUIR", Time: "08H"}}

	tests := []struct {
		name    string
		opts    Options
		atb     []record.PrescriptionLine
		present bool
	}{
		{"enabled with antibiotics", DefaultOptions(), atb, true},
		{"enabled without antibiotics", DefaultOptions(), nil, false},
		{"disabled", Options{PrescriptionRows: 18}, atb, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRenderer(t, tt.opts)
			html, err := r.Render(&record.Bundle{
				Patient:     record.PatientRecord{Name: "Maria"},
				Antibiotics: tt.atb,
			}, generatedAt)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}

			if got := strings.Contains(html, "Antibióticos"); got != tt.present {
				t.Fatalf("section present = %v, want %v", got, tt.present)
			}
			if !tt.present {
				return
			}
			if n := len(atbRow.FindAllString(html, -1)); n != 1 {
				t.Errorf("antibiotic rows = %d, want 1 (no padding)", n)
			}
			want := `<td>CEFTRIAXONA</td><td>2G</td><td>EV</td><td>24/24H</td><td>08H</td><td>DILUIR</td>`
			if !strings.Contains(html, want) {
				t.Errorf("antibiotic columns out of order")
			}
			if !strings.Contains(html, "<th>Observação</th>") {
				t.Error("missing Observação column")
			}
		})
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	r := newRenderer(t, DefaultOptions())
	b := &record.Bundle{
		Patient:       record.PatientRecord{Name: "Maria Silva", Diagnosis: "ICC"},
		Prescriptions: lines(3),
		Medical:       record.MedicalNarrative{Analysis: "estável"},
	}

	first, err := r.Render(b, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := r.Render(b, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if first != second {
		t.Error("same bundle and timestamp rendered differently")
	}

	later, err := r.Render(b, generatedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	footer := regexp.MustCompile(`Gerado em [0-9/: ]+`)
	if footer.ReplaceAllString(first, "") != footer.ReplaceAllString(later, "") {
		t.Error("output differs beyond the generated-at footer")
	}
}

func TestRenderEscapesAndTolerantOfEmpty(t *testing.T) {
	r := newRenderer(t, DefaultOptions())

	html, err := r.Render(&record.Bundle{
		Patient: record.PatientRecord{Name: "<script>x</script>"},
	}, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, "<script>x") {
		t.Error("patient name not escaped")
	}
	if strings.Contains(html, "N/A") {
		t.Error("missing values must render empty")
	}

	_, err = r.Render(nil, generatedAt)
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Errorf("nil bundle: expected *Error, got %v", err)
	}
}

func TestNewRejectsNegativeRows(t *testing.T) {
	if _, err := New(Options{PrescriptionRows: -1}); err == nil {
		t.Error("expected error")
	}
}
