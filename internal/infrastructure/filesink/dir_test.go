package filesink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/drfirst/go-prontuario/internal/convert"
)

func artifact() *convert.Artifact {
	return &convert.Artifact{Format: convert.FormatDOCX, ContentType: convert.FormatDOCX.ContentType(), Data: []byte("PK\x03\x04data")}
}

func TestSaveWritesFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	d, err := NewDir(root, nil)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	if err := d.Save(context.Background(), "prontuario_maria_silva_2024-03-07.docx", artifact()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "prontuario_maria_silva_2024-03-07.docx"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, artifact().Data) {
		t.Errorf("content = %q", got)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 1 {
		t.Errorf("expected only the artifact, found %d entries", len(entries))
	}
}

func TestSaveRejectsUnsafeNames(t *testing.T) {
	d, err := NewDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	for _, name := range []string{"", "../escape.docx", "a/b.docx", ".hidden"} {
		if err := d.Save(context.Background(), name, artifact()); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestSaveCancelled(t *testing.T) {
	root := t.TempDir()
	d, _ := NewDir(root, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Save(ctx, "x.docx", artifact()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("cancelled save left %d files", len(entries))
	}
}
