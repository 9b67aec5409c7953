package record

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ISODate is the layout of every date field exchanged with the form layer
const ISODate = "2006-01-02"

// whitespace and path separators collapse to one underscore
var separatorRun = regexp.MustCompile(`[\s/\\]+`)

// FormatDate turns YYYY-MM-DD into DD/MM/YYYY.
// Only the separators are inspected; parts are not checked for digits.
func FormatDate(iso string) string {
	if iso == "" {
		return ""
	}
	parts := strings.Split(iso, "-")
	if len(parts) != 3 {
		return iso
	}
	return parts[2] + "/" + parts[1] + "/" + parts[0]
}

// FileName builds the download name, e.g. prontuario_maria_silva_2024-03-05.docx
func FileName(prefix, patientName string, date time.Time, ext string) string {
	name := separatorRun.ReplaceAllString(strings.ToLower(patientName), "_")
	return prefix + "_" + name + "_" + date.Format(ISODate) + "." + strings.TrimPrefix(ext, ".")
}

// Truncate shortens s to at most n runes, marking the cut with "..."
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
