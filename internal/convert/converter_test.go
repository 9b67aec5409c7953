package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/render"
)

var generatedAt = time.Date(2024, 3, 7, 14, 5, 0, 0, time.UTC)

func renderBundle(t *testing.T, rx int) string {
	t.Helper()
	r, err := render.New(render.DefaultOptions())
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	b := &record.Bundle{
		Patient: record.PatientRecord{
			Name:          "Maria Silva",
			Age:           "67",
			AdmissionDate: "2024-03-05",
			CurrentDate:   "2024-03-07",
			Diagnosis:     "ICC descompensada",
			Allergies:     "Dipirona",
		},
		Medical: record.MedicalNarrative{
			Admission: "Dispneia aos pequenos esforços.\nEdema de MMII.",
			Analysis:  "Melhora clínica.",
		},
		Antibiotics: []record.PrescriptionLine{{Medication: "CEFTRIAXONA", Dose: "2G", Route: "EV", Frequency: "24/24H", Time: "08H"}},
	}
	for i := 0; i < rx; i++ {
		b.Prescriptions = append(b.Prescriptions, record.PrescriptionLine{
			Medication: fmt.Sprintf("MEDICAMENTO %02d", i+1), Dose: "500MG", Route: "ORAL", Frequency: "8/8H",
		})
	}
	html, err := r.Render(b, generatedAt)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	return html
}

func readPart(t *testing.T, data []byte, name string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("not a zip package: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(b)
	}
	t.Fatalf("part %s missing", name)
	return ""
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatDOCX, false},
		{"docx", FormatDOCX, false},
		{"PDF", FormatPDF, false},
		{"odt", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRegistrySelect(t *testing.T) {
	reg := DefaultRegistry(DefaultDocxOptions(), DefaultPDFOptions(), nil)

	for _, tt := range []struct {
		format Format
		shape  SourceShape
		want   string
	}{
		{FormatDOCX, ShapeHTML, "*convert.HTMLDocx"},
		{FormatPDF, ShapeHTML, "*convert.HTMLPDF"},
		{FormatDOCX, ShapeParagraphTree, "*convert.SheetDocx"},
	} {
		c, err := reg.Select(tt.format, tt.shape)
		if err != nil {
			t.Fatalf("Select(%s, %s): %v", tt.format, tt.shape, err)
		}
		if got := fmt.Sprintf("%T", c); got != tt.want {
			t.Errorf("Select(%s, %s) = %s, want %s", tt.format, tt.shape, got, tt.want)
		}
	}

	if _, err := reg.Select(FormatPDF, ShapeParagraphTree); !errors.Is(err, ErrNoConverter) {
		t.Errorf("expected ErrNoConverter, got %v", err)
	}
}

func TestHTMLDocx(t *testing.T) {
	c := NewHTMLDocx(DefaultDocxOptions())
	art, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: renderBundle(t, 3), GeneratedAt: generatedAt})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if art.Format != FormatDOCX || art.ContentType != FormatDOCX.ContentType() || art.Size() == 0 {
		t.Fatalf("artifact = %s %s %d bytes", art.Format, art.ContentType, art.Size())
	}

	doc := readPart(t, art.Data, "word/document.xml")
	for _, want := range []string{
		`w:orient="portrait"`,
		`w:w="11906" w:h="16838"`,
		`w:top="720" w:right="720" w:bottom="720" w:left="720"`,
		"PRONTUÁRIO MÉDICO",
		"Maria Silva",
		"MEDICAMENTO 03",
		"CEFTRIAXONA",
		"<w:tbl>",
		"<w:br/>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document.xml missing %q", want)
		}
	}
	if strings.Index(doc, "Maria Silva") > strings.Index(doc, "MEDICAMENTO 01") {
		t.Error("patient data must come before prescriptions")
	}

	core := readPart(t, art.Data, "docProps/core.xml")
	if !strings.Contains(core, "2024-03-07T14:05:00Z") {
		t.Errorf("core.xml created = %s", core)
	}
}

func TestHTMLDocxIsDeterministic(t *testing.T) {
	c := NewHTMLDocx(DefaultDocxOptions())
	src := Source{Shape: ShapeHTML, HTML: renderBundle(t, 2), GeneratedAt: generatedAt}

	a, err := c.Convert(context.Background(), src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	b, err := c.Convert(context.Background(), src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) {
		t.Error("same input produced different packages")
	}
}

func TestHTMLDocxCustomMargin(t *testing.T) {
	c := NewHTMLDocx(DocxOptions{MarginTwips: 1440})
	art, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: "<p>x</p>"})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if doc := readPart(t, art.Data, "word/document.xml"); !strings.Contains(doc, `w:left="1440"`) {
		t.Error("margin not applied")
	}
}

func TestHTMLDocxFailures(t *testing.T) {
	c := NewHTMLDocx(DefaultDocxOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		html string
	}{
		{"empty", context.Background(), "  "},
		{"no content", context.Background(), "<html><head><title>x</title></head><body></body></html>"},
		{"cancelled", ctx, "<p>x</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art, err := c.Convert(tt.ctx, Source{Shape: ShapeHTML, HTML: tt.html})
			var cerr *ConversionError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConversionError, got %v", err)
			}
			if art != nil {
				t.Error("no artifact may accompany an error")
			}
			if cerr.Format != FormatDOCX || cerr.Shape != ShapeHTML {
				t.Errorf("error tagged %s/%s", cerr.Format, cerr.Shape)
			}
		})
	}
}

func TestSheetDocx(t *testing.T) {
	c := NewSheetDocx(DefaultDocxOptions())
	sheet := &record.PrescriptionSheet{
		PatientName: "Maria Silva",
		Date:        "2024-03-07",
		Line:        record.PrescriptionLine{Medication: "AMOXICILINA", Dose: "500MG", Route: "oral", Frequency: "8/8H", Notes: "após refeições"},
	}

	art, err := c.Convert(context.Background(), Source{Shape: ShapeParagraphTree, Sheet: sheet, GeneratedAt: generatedAt})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	doc := readPart(t, art.Data, "word/document.xml")
	for _, want := range []string{"RECEITUÁRIO", "Maria Silva", "07/03/2024", "Uso ORAL", "1. AMOXICILINA", "8/8H", "após refeições", "Assinatura e carimbo"} {
		if !strings.Contains(doc, want) {
			t.Errorf("sheet missing %q", want)
		}
	}
	if strings.Contains(doc, "<w:tbl>") {
		t.Error("sheet is a paragraph tree, not a table layout")
	}

	_, err = c.Convert(context.Background(), Source{Shape: ShapeParagraphTree})
	var cerr *ConversionError
	if !errors.As(err, &cerr) {
		t.Errorf("missing sheet: expected *ConversionError, got %v", err)
	}
}

func TestHTMLPDF(t *testing.T) {
	stage := NewStage()
	c := NewHTMLPDF(DefaultPDFOptions(), stage)

	art, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: renderBundle(t, 3), GeneratedAt: generatedAt})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !bytes.HasPrefix(art.Data, []byte("%PDF-")) {
		t.Fatalf("not a pdf: %q", art.Data[:16])
	}
	if art.ContentType != "application/pdf" {
		t.Errorf("content type = %s", art.ContentType)
	}
	if stage.Live() != 0 {
		t.Errorf("stage still holds %d documents", stage.Live())
	}
	if stage.Mounted() != 1 {
		t.Errorf("mounted = %d, want 1", stage.Mounted())
	}
}

func TestHTMLPDFPaginates(t *testing.T) {
	c := NewHTMLPDF(DefaultPDFOptions(), nil)

	short, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: "<p>uma linha</p>"})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	long, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: renderBundle(t, 120)})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	pages := func(b []byte) int { return bytes.Count(b, []byte("<</Type /Page\n")) }
	if n := pages(short.Data); n != 1 {
		t.Errorf("short document has %d pages", n)
	}
	if n := pages(long.Data); n < 2 {
		t.Errorf("long document has %d pages, want several", n)
	}
}

func TestHTMLPDFSplitsTallTableRows(t *testing.T) {
	c := NewHTMLPDF(DefaultPDFOptions(), nil)
	lines := make([]string, 400)
	for i := range lines {
		lines[i] = fmt.Sprintf("linha %d da admissão", i+1)
	}
	text := strings.Join(lines, "\n")

	inCell, err := c.Convert(context.Background(), Source{Shape: ShapeHTML,
		HTML: `<table><tr><td><p class="text">` + text + `</p></td></tr></table>`})
	if err != nil {
		t.Fatalf("Convert cell: %v", err)
	}
	inParagraph, err := c.Convert(context.Background(), Source{Shape: ShapeHTML,
		HTML: `<p class="text">` + text + `</p>`})
	if err != nil {
		t.Fatalf("Convert paragraph: %v", err)
	}

	pages := func(b []byte) int { return bytes.Count(b, []byte("<</Type /Page\n")) }
	cellPages, paraPages := pages(inCell.Data), pages(inParagraph.Data)
	if paraPages < 5 {
		t.Fatalf("paragraph produced %d pages, expected several", paraPages)
	}
	if cellPages < paraPages-1 || cellPages > paraPages+1 {
		t.Errorf("table cell produced %d pages, paragraph %d", cellPages, paraPages)
	}
}

func TestHTMLPDFKeepsNonLatinText(t *testing.T) {
	utf16be := func(s string) []byte {
		var out []byte
		for _, r := range s {
			out = append(out, byte(r>>8), byte(r))
		}
		return out
	}
	tests := []string{"5 μg/kg", "PA ≥ 140", "SpO₂ 94%"}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			l := newPDFLayout(DefaultPDFOptions(), "teste", Source{})
			l.pdf.SetCompression(false)
			l.block(block{kind: blockParagraph, spans: []span{{text: text}}})
			var buf bytes.Buffer
			if err := l.pdf.Output(&buf); err != nil {
				t.Fatalf("Output: %v", err)
			}
			if !bytes.Contains(buf.Bytes(), utf16be(text)) {
				t.Errorf("page content does not carry %q", text)
			}
		})
	}

	c := NewHTMLPDF(DefaultPDFOptions(), nil)
	if _, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: "<p>Dose 5 μg/kg</p>"}); err != nil {
		t.Errorf("Convert with μ: %v", err)
	}
}

func TestHTMLPDFRejectsUncoveredCharacters(t *testing.T) {
	stage := NewStage()
	c := NewHTMLPDF(DefaultPDFOptions(), stage)

	_, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: "<p>Paciente estável 🙂</p>"})
	var cerr *ConversionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConversionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "U+1F642") {
		t.Errorf("error does not name the character: %v", err)
	}
	if stage.Live() != 0 {
		t.Errorf("stage still holds %d documents", stage.Live())
	}
}

func TestHTMLPDFReleasesStageOnFailure(t *testing.T) {
	stage := NewStage()
	c := NewHTMLPDF(PDFOptions{Scale: 0.8}, stage)

	_, err := c.Convert(context.Background(), Source{Shape: ShapeHTML, HTML: "<html><body><script>x()</script></body></html>"})
	var cerr *ConversionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConversionError, got %v", err)
	}
	if cerr.Format != FormatPDF {
		t.Errorf("format = %s", cerr.Format)
	}
	if stage.Mounted() != 1 {
		t.Fatalf("document was never mounted")
	}
	if stage.Live() != 0 {
		t.Errorf("failed conversion left %d documents mounted", stage.Live())
	}
}

func TestOptionDefaults(t *testing.T) {
	if o := (PDFOptions{}).normalize(); o.Scale != 1.0 || o.PageSize != "A4" {
		t.Errorf("pdf defaults = %+v", o)
	}
	if o := (DocxOptions{}).normalize(); o.MarginTwips != DefaultMarginTwips {
		t.Errorf("docx defaults = %+v", o)
	}
}
