package convert

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-pdf/fpdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PDFOptions configures the HTML to PDF strategy
type PDFOptions struct {
	PageSize string
	MarginMM float64
	// Scale multiplies the base font size
	Scale float64
}

// DefaultPDFOptions returns A4 portrait with 10mm margins at scale 1
func DefaultPDFOptions() PDFOptions {
	return PDFOptions{PageSize: "A4", MarginMM: 10, Scale: 1.0}
}

func (o PDFOptions) normalize() PDFOptions {
	d := DefaultPDFOptions()
	if o.PageSize == "" {
		o.PageSize = d.PageSize
	}
	if o.MarginMM <= 0 {
		o.MarginMM = d.MarginMM
	}
	if o.Scale <= 0 {
		o.Scale = d.Scale
	}
	return o
}

// Stage is the offscreen container HTML is mounted into while it is laid out.
// Every mount is released when its conversion finishes, whether it succeeded or not.
type Stage struct {
	mu    sync.Mutex
	root  *html.Node
	live  int
	total int
}

// NewStage creates an empty stage
func NewStage() *Stage {
	return &Stage{root: &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr:     []html.Attribute{{Key: "style", Val: "position:absolute;left:-10000px;top:0"}},
	}}
}

// Live returns the number of documents currently mounted
func (s *Stage) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Mounted returns the number of mounts since creation
func (s *Stage) Mounted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Stage) mount(doc *html.Node) (release func()) {
	s.mu.Lock()
	s.root.AppendChild(doc)
	s.live++
	s.total++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.root.RemoveChild(doc)
			s.live--
			s.mu.Unlock()
		})
	}
}

// HTMLPDF paginates the rendered record HTML onto A4 pages
type HTMLPDF struct {
	opts  PDFOptions
	stage *Stage
}

// NewHTMLPDF creates the strategy. A nil stage gets a private one.
func NewHTMLPDF(opts PDFOptions, stage *Stage) *HTMLPDF {
	if stage == nil {
		stage = NewStage()
	}
	return &HTMLPDF{opts: opts.normalize(), stage: stage}
}

func (c *HTMLPDF) Format() Format     { return FormatPDF }
func (c *HTMLPDF) Shape() SourceShape { return ShapeHTML }

// Stage returns the container documents are mounted into
func (c *HTMLPDF) Stage() *Stage { return c.stage }

func (c *HTMLPDF) Convert(ctx context.Context, src Source) (art *Artifact, err error) {
	if err := ctx.Err(); err != nil {
		return nil, conversionError(FormatPDF, ShapeHTML, err)
	}
	if strings.TrimSpace(src.HTML) == "" {
		return nil, conversionError(FormatPDF, ShapeHTML, errors.New("empty html"))
	}

	doc, err := html.Parse(strings.NewReader(src.HTML))
	if err != nil {
		return nil, conversionError(FormatPDF, ShapeHTML, fmt.Errorf("parse html: %w", err))
	}

	release := c.stage.mount(doc)
	defer release()
	defer func() {
		if r := recover(); r != nil {
			art, err = nil, conversionError(FormatPDF, ShapeHTML, fmt.Errorf("layout panic: %v", r))
		}
	}()

	blocks := extractBlocks(doc)
	if len(blocks) == 0 {
		return nil, conversionError(FormatPDF, ShapeHTML, errors.New("document has no content"))
	}

	if r, ok := unsupportedRune(blocks); ok {
		return nil, conversionError(FormatPDF, ShapeHTML, fmt.Errorf("character %U is not covered by the embedded font", r))
	}

	title := src.Title
	if title == "" {
		title = documentTitle(doc)
	}
	l := newPDFLayout(c.opts, title, src)
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, conversionError(FormatPDF, ShapeHTML, err)
		}
		l.block(b)
	}

	var buf bytes.Buffer
	if err := l.pdf.Output(&buf); err != nil {
		return nil, conversionError(FormatPDF, ShapeHTML, err)
	}
	return &Artifact{Format: FormatPDF, ContentType: FormatPDF.ContentType(), Data: buf.Bytes()}, nil
}

const ptToMM = 0.3528

// fontFamily is registered from the embedded DejaVu faces, which cover
// Greek, math symbols and subscripts used in doses and vitals.
const fontFamily = "dejavu"

var (
	//go:embed fonts/DejaVuSansCondensed.ttf
	fontRegular []byte
	//go:embed fonts/DejaVuSansCondensed-Bold.ttf
	fontBold []byte
)

type pdfLayout struct {
	pdf    *fpdf.Fpdf
	size   float64
	margin float64
}

func newPDFLayout(opts PDFOptions, title string, src Source) *pdfLayout {
	pdf := fpdf.New("P", "mm", opts.PageSize, "")
	pdf.AddUTF8FontFromBytes(fontFamily, "", fontRegular)
	pdf.AddUTF8FontFromBytes(fontFamily, "B", fontBold)
	l := &pdfLayout{
		pdf:    pdf,
		size:   9 * opts.Scale,
		margin: opts.MarginMM,
	}

	pdf.SetMargins(opts.MarginMM, opts.MarginMM, opts.MarginMM)
	pdf.SetAutoPageBreak(true, opts.MarginMM+4)
	pdf.SetTitle(title, true)
	pdf.SetCreator("prontuario", true)
	if !src.GeneratedAt.IsZero() {
		pdf.SetCreationDate(src.GeneratedAt)
		pdf.SetModificationDate(src.GeneratedAt)
	}
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-(opts.MarginMM + 2))
		pdf.SetFont(fontFamily, "", 7*opts.Scale)
		pdf.CellFormat(0, 4, fmt.Sprintf("%d/{nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()
	pdf.SetFont(fontFamily, "", l.size)
	return l
}

func (l *pdfLayout) lineHeight(size float64) float64 {
	return size * ptToMM * 1.35
}

func (l *pdfLayout) block(b block) {
	switch b.kind {
	case blockHeading:
		size := l.size + 1
		align := "L"
		if b.level == 1 {
			size = l.size + 4
			align = "C"
		}
		l.pdf.Ln(1)
		l.pdf.SetFont(fontFamily, "B", size)
		l.pdf.MultiCell(0, l.lineHeight(size), spansText(b.spans), "", align, false)
		l.pdf.SetFont(fontFamily, "", l.size)
		l.pdf.Ln(1)
	case blockParagraph:
		style := ""
		if allBold(b.spans) {
			style = "B"
		}
		l.pdf.SetFont(fontFamily, style, l.size)
		l.pdf.MultiCell(0, l.lineHeight(l.size), spansText(b.spans), "", "L", false)
		l.pdf.SetFont(fontFamily, "", l.size)
	case blockTable:
		l.table(b.table)
		l.pdf.Ln(2)
	}
}

type laidCell struct {
	w      float64
	lines  []string
	header bool
}

const cellPad = 1.0

// table keeps a row on one page when it fits on an empty one. Taller rows
// continue on the following pages with their cell borders repeated.
func (l *pdfLayout) table(t *table) {
	pageW, pageH := l.pdf.GetPageSize()
	contentW := pageW - 2*l.margin
	bottom := pageH - l.margin - 4

	weights := columnWeights(t)
	widths := make([]float64, len(weights))
	for i, w := range weights {
		widths[i] = w * contentW
	}

	lh := l.lineHeight(l.size)
	fresh := int((bottom - l.margin - cellPad) / lh)
	if fresh < 1 {
		fresh = 1
	}

	l.pdf.SetAutoPageBreak(false, 0)
	defer l.pdf.SetAutoPageBreak(true, l.margin+4)

	for _, r := range t.rows {
		cells, rowLines := l.layRow(r, widths)

		avail := int((bottom - l.pdf.GetY() - cellPad) / lh)
		if avail < rowLines && (rowLines <= fresh || avail < 1) {
			l.pdf.AddPage()
			avail = fresh
		}
		for from := 0; from < rowLines; {
			if from > 0 {
				l.pdf.AddPage()
				avail = fresh
			}
			n := min(rowLines-from, avail)
			l.drawRow(cells, from, n, lh)
			from += n
		}
	}
	l.pdf.SetFont(fontFamily, "", l.size)
}

// layRow wraps every cell to its column width and returns the row height in lines
func (l *pdfLayout) layRow(r tableRow, widths []float64) ([]laidCell, int) {
	cells := make([]laidCell, 0, len(r.cells))
	rowLines := 1
	col := 0
	for _, c := range r.cells {
		w := 0.0
		for i := col; i < col+c.span && i < len(widths); i++ {
			w += widths[i]
		}
		col += c.span

		style := ""
		if c.header {
			style = "B"
		}
		l.pdf.SetFont(fontFamily, style, l.size)
		var lines []string
		for _, para := range strings.Split(c.text(), "\n") {
			wrapped := l.pdf.SplitText(para, w-2*cellPad)
			if len(wrapped) == 0 {
				wrapped = []string{""}
			}
			lines = append(lines, wrapped...)
		}
		if len(lines) > rowLines {
			rowLines = len(lines)
		}
		cells = append(cells, laidCell{w: w, lines: lines, header: c.header})
	}
	return cells, rowLines
}

// drawRow draws lines [from, from+n) of every cell at the current position
func (l *pdfLayout) drawRow(cells []laidCell, from, n int, lh float64) {
	h := float64(n)*lh + cellPad
	x, y := l.margin, l.pdf.GetY()
	for _, c := range cells {
		style := "D"
		if c.header {
			l.pdf.SetFillColor(217, 217, 217)
			style = "FD"
			l.pdf.SetFont(fontFamily, "B", l.size)
		} else {
			l.pdf.SetFont(fontFamily, "", l.size)
		}
		l.pdf.Rect(x, y, c.w, h, style)
		for i := 0; i < n && from+i < len(c.lines); i++ {
			l.pdf.SetXY(x+cellPad, y+cellPad/2+float64(i)*lh)
			l.pdf.CellFormat(c.w-2*cellPad, lh, c.lines[from+i], "", 0, "L", false, 0, "")
		}
		x += c.w
	}
	l.pdf.SetXY(l.margin, y+h)
}

// unsupportedRune finds the first rune outside the Basic Multilingual Plane.
// The UTF-8 font tables only index that plane.
func unsupportedRune(blocks []block) (rune, bool) {
	check := func(s string) (rune, bool) {
		for _, r := range s {
			if r > 0xFFFF {
				return r, true
			}
		}
		return 0, false
	}
	for _, b := range blocks {
		if r, ok := check(spansText(b.spans)); ok {
			return r, true
		}
		if b.table == nil {
			continue
		}
		for _, row := range b.table.rows {
			for _, c := range row.cells {
				if r, ok := check(c.text()); ok {
					return r, true
				}
			}
		}
	}
	return 0, false
}

func allBold(spans []span) bool {
	for _, s := range spans {
		if !s.brk && !s.bold {
			return false
		}
	}
	return len(spans) > 0
}
