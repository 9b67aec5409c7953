package convert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// DefaultMarginTwips is a half inch on every side
const DefaultMarginTwips = 720

// DocxOptions configures both DOCX strategies
type DocxOptions struct {
	MarginTwips int
	// FontSize in half-points
	FontSize int
}

// DefaultDocxOptions returns A4 portrait with half-inch margins and 10pt text
func DefaultDocxOptions() DocxOptions {
	return DocxOptions{MarginTwips: DefaultMarginTwips, FontSize: 20}
}

func (o DocxOptions) normalize() DocxOptions {
	d := DefaultDocxOptions()
	if o.MarginTwips <= 0 {
		o.MarginTwips = d.MarginTwips
	}
	if o.FontSize <= 0 {
		o.FontSize = d.FontSize
	}
	return o
}

// HTMLDocx converts the rendered record HTML into a WordprocessingML package
type HTMLDocx struct {
	opts DocxOptions
}

// NewHTMLDocx creates the strategy
func NewHTMLDocx(opts DocxOptions) *HTMLDocx {
	return &HTMLDocx{opts: opts.normalize()}
}

func (c *HTMLDocx) Format() Format     { return FormatDOCX }
func (c *HTMLDocx) Shape() SourceShape { return ShapeHTML }

// Convert lays out headings, paragraphs and tables in document order
func (c *HTMLDocx) Convert(ctx context.Context, src Source) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, conversionError(FormatDOCX, ShapeHTML, err)
	}
	if strings.TrimSpace(src.HTML) == "" {
		return nil, conversionError(FormatDOCX, ShapeHTML, errors.New("empty html"))
	}

	doc, err := html.Parse(strings.NewReader(src.HTML))
	if err != nil {
		return nil, conversionError(FormatDOCX, ShapeHTML, fmt.Errorf("parse html: %w", err))
	}
	blocks := extractBlocks(doc)
	if len(blocks) == 0 {
		return nil, conversionError(FormatDOCX, ShapeHTML, errors.New("document has no content"))
	}

	contentWidth := a4WidthTwips - 2*c.opts.MarginTwips
	var body bodyWriter
	for _, b := range blocks {
		if b.kind == blockTable {
			body.table(wordTableFor(b.table, contentWidth))
			continue
		}
		body.paragraph(wordParagraphFor(b))
	}

	title := src.Title
	if title == "" {
		title = documentTitle(doc)
	}
	data, err := writePackage(body.documentXML(c.opts.MarginTwips), title, src.GeneratedAt, c.opts.FontSize)
	if err != nil {
		return nil, conversionError(FormatDOCX, ShapeHTML, err)
	}
	return &Artifact{Format: FormatDOCX, ContentType: FormatDOCX.ContentType(), Data: data}, nil
}

func wordParagraphFor(b block) wordParagraph {
	p := wordParagraph{Runs: wordRuns(b.spans)}
	if b.kind == blockHeading {
		p.Heading = b.level
		if p.Heading > 3 {
			p.Heading = 3
		}
		p.KeepNext = true
		if b.level == 1 {
			p.Align = "center"
		}
	}
	return p
}

func wordRuns(spans []span) []wordRun {
	runs := make([]wordRun, 0, len(spans))
	for _, s := range spans {
		runs = append(runs, wordRun{Text: s.text, Bold: s.bold, Break: s.brk})
	}
	return runs
}

func wordTableFor(t *table, contentWidth int) wordTable {
	weights := columnWeights(t)
	wt := wordTable{Columns: make([]int, len(weights))}
	for i, w := range weights {
		wt.Columns[i] = int(w * float64(contentWidth))
	}
	for _, r := range t.rows {
		cells := make([]wordCell, 0, len(r.cells))
		for _, cell := range r.cells {
			wc := wordCell{Span: cell.span, Shaded: cell.header}
			for _, b := range cell.blocks {
				p := wordParagraphFor(b)
				if b.kind == blockHeading {
					// headings inside cells stay inline-sized
					p.Heading = 0
					for i := range p.Runs {
						p.Runs[i].Bold = true
					}
				}
				wc.Paragraphs = append(wc.Paragraphs, p)
			}
			cells = append(cells, wc)
		}
		wt.Rows = append(wt.Rows, cells)
	}
	return wt
}
