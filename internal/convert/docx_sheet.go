package convert

import (
	"context"
	"errors"
	"strings"

	"github.com/drfirst/go-prontuario/internal/domain/record"
)

// SheetDocx builds a single prescription sheet directly as a paragraph tree, without HTML
type SheetDocx struct {
	opts DocxOptions
}

// NewSheetDocx creates the strategy
func NewSheetDocx(opts DocxOptions) *SheetDocx {
	return &SheetDocx{opts: opts.normalize()}
}

func (c *SheetDocx) Format() Format     { return FormatDOCX }
func (c *SheetDocx) Shape() SourceShape { return ShapeParagraphTree }

func (c *SheetDocx) Convert(ctx context.Context, src Source) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, conversionError(FormatDOCX, ShapeParagraphTree, err)
	}
	if src.Sheet == nil {
		return nil, conversionError(FormatDOCX, ShapeParagraphTree, errors.New("no prescription sheet"))
	}
	if err := src.Sheet.Validate(); err != nil {
		return nil, conversionError(FormatDOCX, ShapeParagraphTree, err)
	}

	var body bodyWriter
	for _, p := range sheetParagraphs(src.Sheet) {
		body.paragraph(p)
	}

	title := src.Title
	if title == "" {
		title = "Receituário - " + src.Sheet.PatientName
	}
	data, err := writePackage(body.documentXML(c.opts.MarginTwips), title, src.GeneratedAt, c.opts.FontSize)
	if err != nil {
		return nil, conversionError(FormatDOCX, ShapeParagraphTree, err)
	}
	return &Artifact{Format: FormatDOCX, ContentType: FormatDOCX.ContentType(), Data: data}, nil
}

func label(l, v string) wordParagraph {
	return wordParagraph{Runs: []wordRun{{Text: l, Bold: true}, {Text: v}}, SpaceAfter: 120}
}

func sheetParagraphs(s *record.PrescriptionSheet) []wordParagraph {
	line := s.Line
	ps := []wordParagraph{
		{Runs: []wordRun{{Text: "RECEITUÁRIO", Bold: true, Size: 32}}, Align: "center", SpaceAfter: 360},
		label("Paciente: ", s.PatientName),
		label("Data: ", record.FormatDate(s.Date)),
		{},
	}
	if line.Route != "" {
		ps = append(ps, wordParagraph{
			Runs:       []wordRun{{Text: "Uso " + strings.ToUpper(line.Route), Bold: true, Underline: true}},
			SpaceAfter: 120,
		})
	}

	med := []wordRun{{Text: "1. " + line.Medication, Bold: true}}
	if line.Dose != "" {
		med = append(med, wordRun{Text: " " + line.Dose})
	}
	ps = append(ps, wordParagraph{Runs: med, SpaceAfter: 60})

	if line.Frequency != "" {
		ps = append(ps, label("Posologia: ", line.Frequency))
	}
	if line.Time != "" {
		ps = append(ps, label("Horário: ", line.Time))
	}
	if line.Notes != "" {
		ps = append(ps, wordParagraph{Runs: []wordRun{{Text: "Observação: ", Bold: true}, {Text: line.Notes, Italic: true}}})
	}

	prescriber := s.Prescriber
	if prescriber == "" {
		prescriber = "Assinatura e carimbo"
	}
	ps = append(ps,
		wordParagraph{}, wordParagraph{}, wordParagraph{},
		wordParagraph{Runs: []wordRun{{Text: "______________________________"}}, Align: "center"},
		wordParagraph{Runs: []wordRun{{Text: prescriber}}, Align: "center"},
	)
	return ps
}
