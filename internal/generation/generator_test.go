package generation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/internal/observability/metrics"
	"github.com/drfirst/go-prontuario/internal/render"
)

var fixedNow = time.Date(2024, 3, 7, 14, 5, 0, 0, time.UTC)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

type saved struct {
	name string
	art  *convert.Artifact
}

type recordingSaver struct {
	mu    sync.Mutex
	calls []saved
	err   error
}

func (s *recordingSaver) Save(_ context.Context, name string, a *convert.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, saved{name, a})
	return s.err
}

type fakePersister struct {
	calls int
	ok    bool
	last  *record.Bundle
}

func (p *fakePersister) Persist(_ context.Context, _ string, b *record.Bundle) bool {
	p.calls++
	p.last = b
	return p.ok
}

type countingConverter struct {
	convert.ArtifactConverter
	calls int
	err   error
}

func (c *countingConverter) Convert(ctx context.Context, src convert.Source) (*convert.Artifact, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.ArtifactConverter.Convert(ctx, src)
}

type failingRenderer struct{}

func (failingRenderer) Render(*record.Bundle, time.Time) (string, error) {
	return "", &render.Error{Err: errors.New("bad template")}
}

type fixture struct {
	gen       *Generator
	saver     *recordingSaver
	persister *fakePersister
	conv      *countingConverter
	notes     *notify.Recorder
	logs      *observer.ObservedLogs
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, renderer Renderer) *fixture {
	t.Helper()
	if renderer == nil {
		r, err := render.New(render.DefaultOptions())
		if err != nil {
			t.Fatalf("render.New: %v", err)
		}
		renderer = r
	}
	core, logs := observer.New(zapcore.InfoLevel)
	f := &fixture{
		saver:     &recordingSaver{},
		persister: &fakePersister{ok: true},
		conv:      &countingConverter{ArtifactConverter: convert.NewHTMLDocx(convert.DefaultDocxOptions())},
		notes:     &notify.Recorder{},
		logs:      logs,
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	reg := convert.NewRegistry(f.conv, convert.NewHTMLPDF(convert.DefaultPDFOptions(), nil), convert.NewSheetDocx(convert.DefaultDocxOptions()))
	gen, err := New(Deps{
		Renderer:  renderer,
		Registry:  reg,
		Saver:     f.saver,
		Persister: f.persister,
		Notifier:  f.notes,
		Logger:    zap.New(core),
		Metrics:   f.metrics,
		Clock:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.gen = gen
	return f
}

func mariaSilva() *record.Bundle {
	return &record.Bundle{
		Patient: record.PatientRecord{Name: "Maria Silva"},
		Prescriptions: []record.PrescriptionLine{
			{Medication: "PARACETAMOL", Dose: "500MG", Route: "ORAL", Frequency: "8/8H"},
		},
	}
}

func TestGenerateMariaSilva(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.gen.Generate(context.Background(), Request{UserID: "user-1", Bundle: mariaSilva()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.State != StateDone || !out.Primary.OK || !out.Secondary.OK || out.History != HistorySaved {
		t.Fatalf("outcome = %+v", out)
	}
	if out.FileName != "prontuario_maria_silva_2024-03-07.docx" {
		t.Errorf("file name = %s", out.FileName)
	}
	if len(f.saver.calls) != 1 || f.saver.calls[0].name != out.FileName {
		t.Fatalf("saver calls = %+v", f.saver.calls)
	}
	if !bytes.HasPrefix(f.saver.calls[0].art.Data, []byte("PK")) {
		t.Error("saved artifact is not a docx package")
	}
	if f.persister.calls != 1 {
		t.Errorf("persist calls = %d", f.persister.calls)
	}
	if f.notes.Count(notify.Success) != 1 {
		t.Errorf("notifications = %+v", f.notes.All())
	}
	if got := counterValue(t, f.metrics.DocumentsGenerated.WithLabelValues("docx", "record")); got != 1 {
		t.Errorf("documents generated = %v", got)
	}
}

func TestGeneratePDF(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.gen.Generate(context.Background(), Request{UserID: "user-1", Bundle: mariaSilva(), Format: convert.FormatPDF})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasSuffix(out.FileName, ".pdf") || out.Artifact.ContentType != "application/pdf" {
		t.Errorf("outcome = %s %s", out.FileName, out.Artifact.ContentType)
	}
	if f.conv.calls != 0 {
		t.Error("pdf request went through the docx converter")
	}
}

func TestValidationShortCircuits(t *testing.T) {
	for _, name := range []string{"", "   "} {
		f := newFixture(t, nil)
		b := mariaSilva()
		b.Patient.Name = name

		out, err := f.gen.Generate(context.Background(), Request{UserID: "user-1", Bundle: b})
		var verr *record.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("name %q: expected ValidationError, got %v", name, err)
		}
		if out.State != StateValidationFailed {
			t.Errorf("state = %s", out.State)
		}
		if f.conv.calls != 0 || len(f.saver.calls) != 0 || f.persister.calls != 0 {
			t.Errorf("later stages ran: convert=%d save=%d persist=%d", f.conv.calls, len(f.saver.calls), f.persister.calls)
		}
		if f.notes.Count(notify.Error) != 1 {
			t.Errorf("notifications = %+v", f.notes.All())
		}
	}
}

func TestPersistenceFailureKeepsPrimary(t *testing.T) {
	f := newFixture(t, nil)
	f.persister.ok = false

	out, err := f.gen.Generate(context.Background(), Request{UserID: "user-1", Bundle: mariaSilva()})
	if err != nil {
		t.Fatalf("persistence failure leaked into primary error: %v", err)
	}
	if !out.Primary.OK || out.State != StateDone {
		t.Errorf("primary = %+v state = %s", out.Primary, out.State)
	}
	if !errors.Is(out.Secondary.Err, ErrPersistence) || out.History != HistoryFailed {
		t.Errorf("secondary = %+v history = %s", out.Secondary, out.History)
	}
	if len(f.saver.calls) != 1 {
		t.Errorf("saver called %d times, want exactly 1", len(f.saver.calls))
	}
	if f.notes.Count(notify.Success) != 1 {
		t.Error("generation success must still be reported")
	}
}

func TestSkipPersist(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.gen.Generate(context.Background(), Request{Bundle: mariaSilva(), SkipPersist: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if f.persister.calls != 0 || out.History != HistorySkipped {
		t.Errorf("persist calls = %d history = %s", f.persister.calls, out.History)
	}
}

func TestStageFailures(t *testing.T) {
	t.Run("render", func(t *testing.T) {
		f := newFixture(t, failingRenderer{})
		out, err := f.gen.Generate(context.Background(), Request{UserID: "u", Bundle: mariaSilva()})
		var rerr *render.Error
		if !errors.As(err, &rerr) || out.State != StateGenerationFailed {
			t.Fatalf("err = %v state = %s", err, out.State)
		}
		if f.conv.calls != 0 || f.persister.calls != 0 {
			t.Error("later stages ran after render failure")
		}
	})

	t.Run("convert", func(t *testing.T) {
		f := newFixture(t, nil)
		f.conv.err = &convert.ConversionError{Format: convert.FormatDOCX, Shape: convert.ShapeHTML, Err: errors.New("boom")}

		out, err := f.gen.Generate(context.Background(), Request{UserID: "u", Bundle: mariaSilva()})
		var cerr *convert.ConversionError
		if !errors.As(err, &cerr) || out.State != StateGenerationFailed {
			t.Fatalf("err = %v state = %s", err, out.State)
		}
		if len(f.saver.calls) != 0 || f.persister.calls != 0 || out.Artifact != nil {
			t.Error("no file may be produced after a conversion failure")
		}

		entries := f.logs.FilterMessage("document generation failed").All()
		if len(entries) != 1 {
			t.Fatalf("got %d failure logs", len(entries))
		}
		fields := entries[0].ContextMap()
		if fields["stage"] != "convert" || !strings.Contains(fields["input"].(string), "Maria Silva") {
			t.Errorf("log fields = %v", fields)
		}
		if got := counterValue(t, f.metrics.GenerationFailures.WithLabelValues(string(StateGenerationFailed))); got != 1 {
			t.Errorf("failures metric = %v", got)
		}
	})

	t.Run("download", func(t *testing.T) {
		f := newFixture(t, nil)
		f.saver.err = errors.New("disk full")

		_, err := f.gen.Generate(context.Background(), Request{UserID: "u", Bundle: mariaSilva()})
		var derr *DownloadError
		if !errors.As(err, &derr) {
			t.Fatalf("expected DownloadError, got %v", err)
		}
		if f.persister.calls != 0 {
			t.Error("history written for a document that was never delivered")
		}
	})
}

func TestGenerateDoesNotAliasInput(t *testing.T) {
	f := newFixture(t, nil)
	b := mariaSilva()

	if _, err := f.gen.Generate(context.Background(), Request{UserID: "u", Bundle: b}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	f.persister.last.Prescriptions[0].Medication = "CHANGED"
	if b.Prescriptions[0].Medication != "PARACETAMOL" {
		t.Error("pipeline shares prescription slice with the caller")
	}
}

func TestRequestSaverOverridesDefault(t *testing.T) {
	f := newFixture(t, nil)
	override := &recordingSaver{}

	if _, err := f.gen.Generate(context.Background(), Request{Bundle: mariaSilva(), Saver: override, SkipPersist: true}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(override.calls) != 1 || len(f.saver.calls) != 0 {
		t.Errorf("override=%d default=%d", len(override.calls), len(f.saver.calls))
	}
}

func TestGenerateSheet(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.gen.GenerateSheet(context.Background(), SheetRequest{Sheet: &record.PrescriptionSheet{
		PatientName: "João da Silva",
		Line:        record.PrescriptionLine{Medication: "AMOXICILINA", Dose: "500MG", Route: "ORAL"},
	}})
	if err != nil {
		t.Fatalf("GenerateSheet: %v", err)
	}
	if out.FileName != "receita_joão_da_silva_2024-03-07.docx" {
		t.Errorf("file name = %s", out.FileName)
	}
	if f.persister.calls != 0 {
		t.Error("prescription sheets are never persisted")
	}

	_, err = f.gen.GenerateSheet(context.Background(), SheetRequest{Sheet: &record.PrescriptionSheet{PatientName: "x"}})
	var verr *record.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("expected error without renderer")
	}
}
