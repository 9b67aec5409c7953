package record

import (
	"testing"
	"time"
)

func TestFormatDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"2024-03-05", "05/03/2024"},
		{"2026-10-19", "19/10/2026"},
		{"aaaa-bb-cc", "cc/bb/aaaa"},
		{"20240305", "20240305"},
	}

	for _, tt := range tests {
		if got := FormatDate(tt.in); got != tt.want {
			t.Errorf("FormatDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	day := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		patient string
		ext     string
		want    string
	}{
		{"simple", "Maria Silva", "docx", "prontuario_maria_silva_2026-10-19.docx"},
		{"pdf with dot", "Maria Silva", ".pdf", "prontuario_maria_silva_2026-10-19.pdf"},
		{"whitespace runs", "João  da\tSilva", "docx", "prontuario_joão_da_silva_2026-10-19.docx"},
		{"single word", "ANA", "pdf", "prontuario_ana_2026-10-19.pdf"},
		{"slash", "Maria/Silva", "docx", "prontuario_maria_silva_2026-10-19.docx"},
		{"backslash and dots", `..\Maria \ Silva`, "docx", "prontuario_.._maria_silva_2026-10-19.docx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileName("prontuario", tt.patient, day, tt.ext); got != tt.want {
				t.Errorf("FileName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("Maria", 10); got != "Maria" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("Conceição", 4); got != "Conc..." {
		t.Errorf("Truncate = %q", got)
	}
}
