package convert

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// The HTML strategies lay out the same small subset of HTML the renderer emits:
// headings, paragraphs, line breaks, bold spans and tables.

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockTable
)

type span struct {
	text string
	bold bool
	brk  bool
}

type block struct {
	kind  blockKind
	level int
	class string
	spans []span
	table *table
}

type table struct {
	class string
	rows  []tableRow
}

type tableRow struct {
	cells []tableCell
}

type tableCell struct {
	header bool
	span   int
	blocks []block
}

func (c tableCell) text() string {
	parts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		parts = append(parts, spansText(b.spans))
	}
	return strings.Join(parts, "\n")
}

func (t *table) columns() int {
	max := 0
	for _, r := range t.rows {
		n := 0
		for _, c := range r.cells {
			n += c.span
		}
		if n > max {
			max = n
		}
	}
	return max
}

func spansText(spans []span) string {
	var sb strings.Builder
	for _, s := range spans {
		if s.brk {
			sb.WriteByte('\n')
			continue
		}
		sb.WriteString(s.text)
	}
	return sb.String()
}

// extractBlocks walks the body of a parsed document
func extractBlocks(doc *html.Node) []block {
	body := findElement(doc, atom.Body)
	if body == nil {
		body = doc
	}
	var w blockWalker
	w.walk(body)
	w.flush()
	return w.blocks
}

// documentTitle returns the <title> text, if any
func documentTitle(doc *html.Node) string {
	t := findElement(doc, atom.Title)
	if t == nil {
		return ""
	}
	return strings.TrimSpace(textContent(t))
}

type blockWalker struct {
	blocks  []block
	pending []span
}

func (w *blockWalker) flush() {
	spans := trimSpans(w.pending)
	w.pending = nil
	if len(spans) == 0 {
		return
	}
	w.blocks = append(w.blocks, block{kind: blockParagraph, spans: spans})
}

func (w *blockWalker) walk(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *blockWalker) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.pending = append(w.pending, textSpans(n.Data, false, false)...)
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title, atom.Meta:
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.flush()
		level := int(n.Data[1] - '0')
		spans := trimSpans(inlineSpans(n, true, false))
		if len(spans) > 0 {
			w.blocks = append(w.blocks, block{kind: blockHeading, level: level, class: attr(n, "class"), spans: spans})
		}
	case atom.Table:
		w.flush()
		if t := parseTable(n); len(t.rows) > 0 {
			w.blocks = append(w.blocks, block{kind: blockTable, class: t.class, table: t})
		}
	case atom.Br:
		w.pending = append(w.pending, span{brk: true})
	case atom.Li:
		w.flush()
		spans := trimSpans(inlineSpans(n, false, false))
		if len(spans) > 0 {
			w.blocks = append(w.blocks, block{kind: blockParagraph, spans: append([]span{{text: "• "}}, spans...)})
		}
	case atom.P, atom.Div, atom.Section, atom.Header, atom.Footer, atom.Article, atom.Ul, atom.Ol:
		w.flush()
		if hasBlockChild(n) {
			w.walk(n)
			w.flush()
			return
		}
		pre := hasClass(n, "text")
		spans := trimSpans(inlineSpans(n, false, pre))
		if len(spans) > 0 {
			w.blocks = append(w.blocks, block{kind: blockParagraph, class: attr(n, "class"), spans: spans})
		}
	default:
		w.pending = append(w.pending, inlineSpans(n, false, false)...)
	}
}

func parseTable(n *html.Node) *table {
	t := &table{class: attr(n, "class")}
	var rows func(*html.Node)
	rows = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Thead, atom.Tbody, atom.Tfoot:
				rows(c)
			case atom.Tr:
				t.rows = append(t.rows, parseRow(c))
			}
		}
	}
	rows(n)
	return t
}

func parseRow(tr *html.Node) tableRow {
	var row tableRow
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
			continue
		}
		cell := tableCell{header: c.DataAtom == atom.Th, span: 1}
		if v, err := strconv.Atoi(attr(c, "colspan")); err == nil && v > 1 {
			cell.span = v
		}
		var w blockWalker
		if hasBlockChild(c) {
			w.walk(c)
			w.flush()
		} else {
			w.pending = inlineSpans(c, cell.header, false)
			w.flush()
		}
		cell.blocks = w.blocks
		row.cells = append(row.cells, cell)
	}
	return row
}

func inlineSpans(n *html.Node, bold, pre bool) []span {
	var out []span
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			out = append(out, textSpans(c.Data, bold, pre)...)
		case html.ElementNode:
			switch c.DataAtom {
			case atom.Br:
				out = append(out, span{brk: true})
			case atom.B, atom.Strong, atom.Th:
				out = append(out, inlineSpans(c, true, pre)...)
			case atom.Script, atom.Style:
			default:
				out = append(out, inlineSpans(c, bold, pre || hasClass(c, "text"))...)
			}
		}
	}
	return out
}

// textSpans collapses whitespace like a browser would, unless pre keeps line breaks
func textSpans(s string, bold, pre bool) []span {
	if !pre {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			return nil
		}
		return []span{{text: s, bold: bold}}
	}
	var out []span
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			out = append(out, span{brk: true})
		}
		if line != "" {
			out = append(out, span{text: line, bold: bold})
		}
	}
	return out
}

// trimSpans drops leading and trailing breaks and joins adjacent words with a space
func trimSpans(spans []span) []span {
	for len(spans) > 0 && (spans[0].brk || strings.TrimSpace(spans[0].text) == "") {
		spans = spans[1:]
	}
	for len(spans) > 0 && (spans[len(spans)-1].brk || strings.TrimSpace(spans[len(spans)-1].text) == "") {
		spans = spans[:len(spans)-1]
	}
	out := make([]span, 0, len(spans))
	for i, s := range spans {
		if i > 0 && !s.brk && !spans[i-1].brk && !strings.HasSuffix(spans[i-1].text, " ") && !strings.HasPrefix(s.text, " ") {
			s.text = " " + s.text
		}
		out = append(out, s)
	}
	return out
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.P, atom.Div, atom.Table, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
			atom.Ul, atom.Ol, atom.Li, atom.Section, atom.Header, atom.Footer, atom.Article:
			return true
		}
	}
	return false
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// columnWeights sizes columns by their longest single-span cell, clamped so narrow
// number columns and long free-text columns both stay readable
func columnWeights(t *table) []float64 {
	n := t.columns()
	weights := make([]float64, n)
	for _, r := range t.rows {
		col := 0
		for _, c := range r.cells {
			if c.span == 1 && col < n {
				l := 0
				for _, line := range strings.Split(c.text(), "\n") {
					if ll := len([]rune(line)); ll > l {
						l = ll
					}
				}
				if w := float64(l); w > weights[col] {
					weights[col] = w
				}
			}
			col += c.span
		}
	}
	total := 0.0
	for i, w := range weights {
		switch {
		case w < 3:
			w = 3
		case w > 40:
			w = 40
		}
		weights[i] = w
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}
