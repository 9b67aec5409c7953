package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// A4 portrait in twentieths of a point
const (
	a4WidthTwips  = 11906
	a4HeightTwips = 16838
)

// wordParagraph and wordRun are the paragraph tree both DOCX strategies emit
type wordParagraph struct {
	Runs       []wordRun
	Align      string // left, center, right, both
	Heading    int
	SpaceAfter int
	KeepNext   bool
}

type wordRun struct {
	Text      string
	Bold      bool
	Italic    bool
	Underline bool
	Size      int // half-points, 0 inherits
	Break     bool
}

type wordCell struct {
	Paragraphs []wordParagraph
	Span       int
	Shaded     bool
}

type wordTable struct {
	Columns []int // widths in twips
	Rows    [][]wordCell
}

// bodyWriter accumulates the w:body of word/document.xml
type bodyWriter struct {
	buf bytes.Buffer
}

func (w *bodyWriter) paragraph(p wordParagraph) {
	w.buf.WriteString("<w:p>")
	var props strings.Builder
	if p.Heading > 0 {
		fmt.Fprintf(&props, `<w:pStyle w:val="Heading%d"/>`, p.Heading)
	}
	if p.KeepNext {
		props.WriteString("<w:keepNext/>")
	}
	if p.SpaceAfter > 0 {
		fmt.Fprintf(&props, `<w:spacing w:after="%d"/>`, p.SpaceAfter)
	}
	if p.Align != "" {
		fmt.Fprintf(&props, `<w:jc w:val="%s"/>`, p.Align)
	}
	if props.Len() > 0 {
		w.buf.WriteString("<w:pPr>")
		w.buf.WriteString(props.String())
		w.buf.WriteString("</w:pPr>")
	}
	for _, r := range p.Runs {
		w.run(r)
	}
	w.buf.WriteString("</w:p>")
}

func (w *bodyWriter) run(r wordRun) {
	w.buf.WriteString("<w:r>")
	var props strings.Builder
	if r.Bold {
		props.WriteString("<w:b/>")
	}
	if r.Italic {
		props.WriteString("<w:i/>")
	}
	if r.Underline {
		props.WriteString(`<w:u w:val="single"/>`)
	}
	if r.Size > 0 {
		fmt.Fprintf(&props, `<w:sz w:val="%d"/><w:szCs w:val="%d"/>`, r.Size, r.Size)
	}
	if props.Len() > 0 {
		w.buf.WriteString("<w:rPr>")
		w.buf.WriteString(props.String())
		w.buf.WriteString("</w:rPr>")
	}
	if r.Break {
		w.buf.WriteString("<w:br/>")
	} else {
		w.buf.WriteString(`<w:t xml:space="preserve">`)
		xml.EscapeText(&w.buf, []byte(r.Text))
		w.buf.WriteString("</w:t>")
	}
	w.buf.WriteString("</w:r>")
}

func (w *bodyWriter) table(t wordTable) {
	w.buf.WriteString(`<w:tbl><w:tblPr><w:tblW w:w="5000" w:type="pct"/><w:tblBorders>`)
	for _, side := range []string{"top", "left", "bottom", "right", "insideH", "insideV"} {
		fmt.Fprintf(&w.buf, `<w:%s w:val="single" w:sz="4" w:space="0" w:color="000000"/>`, side)
	}
	w.buf.WriteString(`</w:tblBorders><w:tblLayout w:type="fixed"/></w:tblPr><w:tblGrid>`)
	for _, c := range t.Columns {
		fmt.Fprintf(&w.buf, `<w:gridCol w:w="%d"/>`, c)
	}
	w.buf.WriteString("</w:tblGrid>")

	for _, row := range t.Rows {
		w.buf.WriteString("<w:tr>")
		col := 0
		for _, cell := range row {
			span := cell.Span
			if span < 1 {
				span = 1
			}
			width := 0
			for i := col; i < col+span && i < len(t.Columns); i++ {
				width += t.Columns[i]
			}
			col += span

			fmt.Fprintf(&w.buf, `<w:tc><w:tcPr><w:tcW w:w="%d" w:type="dxa"/>`, width)
			if span > 1 {
				fmt.Fprintf(&w.buf, `<w:gridSpan w:val="%d"/>`, span)
			}
			if cell.Shaded {
				w.buf.WriteString(`<w:shd w:val="clear" w:color="auto" w:fill="D9D9D9"/>`)
			}
			w.buf.WriteString("</w:tcPr>")
			if len(cell.Paragraphs) == 0 {
				w.paragraph(wordParagraph{})
			}
			for _, p := range cell.Paragraphs {
				w.paragraph(p)
			}
			w.buf.WriteString("</w:tc>")
		}
		w.buf.WriteString("</w:tr>")
	}
	w.buf.WriteString("</w:tbl>")
}

// documentXML closes the body with an A4 portrait section
func (w *bodyWriter) documentXML(marginTwips int) []byte {
	var doc bytes.Buffer
	doc.WriteString(xml.Header)
	doc.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	doc.Write(w.buf.Bytes())
	// a body may not end in a table
	doc.WriteString("<w:p/>")
	m := strconv.Itoa(marginTwips)
	fmt.Fprintf(&doc, `<w:sectPr><w:pgSz w:w="%d" w:h="%d" w:orient="portrait"/>`, a4WidthTwips, a4HeightTwips)
	doc.WriteString(`<w:pgMar w:top="` + m + `" w:right="` + m + `" w:bottom="` + m + `" w:left="` + m + `" w:header="708" w:footer="708" w:gutter="0"/>`)
	doc.WriteString("</w:sectPr></w:body></w:document>")
	return doc.Bytes()
}

const contentTypesXML = xml.Header + `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
	`<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>` +
	`<Override PartName="/docProps/core.xml" ContentType="application/vnd.openxmlformats-package.core-properties+xml"/>` +
	`</Types>`

const packageRelsXML = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
	`<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/package/2006/relationships/metadata/core-properties" Target="docProps/core.xml"/>` +
	`</Relationships>`

const documentRelsXML = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>` +
	`</Relationships>`

func stylesXML(fontSize int) string {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:docDefaults><w:rPrDefault><w:rPr>`)
	sb.WriteString(`<w:rFonts w:ascii="Arial" w:hAnsi="Arial" w:cs="Arial"/>`)
	fmt.Fprintf(&sb, `<w:sz w:val="%d"/><w:szCs w:val="%d"/>`, fontSize, fontSize)
	sb.WriteString(`</w:rPr></w:rPrDefault><w:pPrDefault><w:pPr><w:spacing w:after="0" w:line="240" w:lineRule="auto"/></w:pPr></w:pPrDefault></w:docDefaults>`)
	sb.WriteString(`<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/></w:style>`)
	for level, size := range []int{0, 32, 24, 22} {
		if level == 0 {
			continue
		}
		fmt.Fprintf(&sb, `<w:style w:type="paragraph" w:styleId="Heading%d"><w:name w:val="heading %d"/><w:basedOn w:val="Normal"/><w:next w:val="Normal"/>`, level, level)
		fmt.Fprintf(&sb, `<w:pPr><w:keepNext/><w:spacing w:before="120" w:after="60"/><w:outlineLvl w:val="%d"/></w:pPr>`, level-1)
		fmt.Fprintf(&sb, `<w:rPr><w:b/><w:sz w:val="%d"/><w:szCs w:val="%d"/></w:rPr></w:style>`, size, size)
	}
	sb.WriteString(`</w:styles>`)
	return sb.String()
}

func coreXML(title string, created time.Time) string {
	var t bytes.Buffer
	xml.EscapeText(&t, []byte(title))
	return xml.Header + `<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" ` +
		`xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/" ` +
		`xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` +
		`<dc:title>` + t.String() + `</dc:title><dc:creator>prontuario</dc:creator>` +
		`<dcterms:created xsi:type="dcterms:W3CDTF">` + created.UTC().Format(time.RFC3339) + `</dcterms:created>` +
		`</cp:coreProperties>`
}

// writePackage zips the parts. Entry timestamps come from created so equal inputs give equal bytes.
func writePackage(document []byte, title string, created time.Time, fontSize int) ([]byte, error) {
	if created.IsZero() {
		created = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	parts := []struct {
		name string
		data []byte
	}{
		{"[Content_Types].xml", []byte(contentTypesXML)},
		{"_rels/.rels", []byte(packageRelsXML)},
		{"word/document.xml", document},
		{"word/_rels/document.xml.rels", []byte(documentRelsXML)},
		{"word/styles.xml", []byte(stylesXML(fontSize))},
		{"docProps/core.xml", []byte(coreXML(title, created))},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range parts {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     p.name,
			Method:   zip.Deflate,
			Modified: created.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close package: %w", err)
	}
	return buf.Bytes(), nil
}
