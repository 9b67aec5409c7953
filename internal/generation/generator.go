// Package generation sequences the document pipeline:
// validate, render, convert, hand the artifact to a saver, persist, notify.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/internal/observability/metrics"
	"github.com/drfirst/go-prontuario/internal/observability/tracing"
)

// State is where an attempt ended, or where it currently is
type State string

const (
	StateValidating       State = "validating"
	StateRendering        State = "rendering"
	StateConverting       State = "converting"
	StateDownloading      State = "downloading"
	StatePersisting       State = "persisting"
	StateDone             State = "done"
	StateValidationFailed State = "validation-failed"
	StateGenerationFailed State = "generation-failed"
)

// Terminal reports whether no further stage runs after s
func (s State) Terminal() bool {
	return s == StateDone || s == StateValidationFailed || s == StateGenerationFailed
}

// HistoryStatus is the secondary outcome
type HistoryStatus string

const (
	HistorySaved   HistoryStatus = "saved"
	HistoryFailed  HistoryStatus = "failed"
	HistorySkipped HistoryStatus = "skipped"
)

// ErrPersistence marks a history write that did not happen. It never fails the primary outcome.
var ErrPersistence = errors.New("history not saved")

// DownloadError wraps a saver failure
type DownloadError struct {
	FileName string
	Err      error
}

func (e *DownloadError) Error() string { return fmt.Sprintf("save %s: %v", e.FileName, e.Err) }
func (e *DownloadError) Unwrap() error { return e.Err }

// Saver receives the finished artifact. It is the download collaborator.
type Saver interface {
	Save(ctx context.Context, fileName string, a *convert.Artifact) error
}

// SaverFunc adapts a function to Saver
type SaverFunc func(ctx context.Context, fileName string, a *convert.Artifact) error

func (f SaverFunc) Save(ctx context.Context, fileName string, a *convert.Artifact) error {
	return f(ctx, fileName, a)
}

// Persister stores bundles. It reports failure as false and surfaces it on its own.
type Persister interface {
	Persist(ctx context.Context, userID string, b *record.Bundle) bool
}

// Renderer produces the HTML for a bundle
type Renderer interface {
	Render(b *record.Bundle, generatedAt time.Time) (string, error)
}

// Request is one generation attempt
type Request struct {
	UserID string
	Bundle *record.Bundle
	Format convert.Format
	// Saver overrides the generator's saver for this request
	Saver Saver
	// SkipPersist is set when regenerating a document that is already in history
	SkipPersist bool
}

// Result is the outcome of one phase
type Result struct {
	OK  bool
	Err error
}

// Outcome is the two-phase result. Secondary never changes Primary.
type Outcome struct {
	State    State
	FileName string
	Artifact *convert.Artifact
	// Primary covers validation through download
	Primary Result
	// Secondary covers persistence
	Secondary Result
	History   HistoryStatus
}

// Deps are the generator's collaborators. Renderer and Registry are required.
type Deps struct {
	Renderer  Renderer
	Registry  *convert.Registry
	Saver     Saver
	Persister Persister
	Notifier  notify.Notifier
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Generator runs attempts sequentially on the caller's goroutine. Safe for concurrent use.
type Generator struct {
	renderer  Renderer
	registry  *convert.Registry
	saver     Saver
	persister Persister
	notifier  notify.Notifier
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a generator
func New(d Deps) (*Generator, error) {
	if d.Renderer == nil {
		return nil, errors.New("generation: renderer is required")
	}
	if d.Registry == nil {
		return nil, errors.New("generation: converter registry is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Generator{
		renderer:  d.Renderer,
		registry:  d.Registry,
		saver:     d.Saver,
		persister: d.Persister,
		notifier:  d.Notifier,
		logger:    d.Logger.Named("generation"),
		metrics:   d.Metrics,
		tracer:    otel.Tracer("generation"),
		now:       d.Clock,
	}, nil
}

const describeLimit = 200

// Generate runs one attempt. The returned error is the primary error; persistence problems are
// reported only in Outcome.Secondary.
func (g *Generator) Generate(ctx context.Context, req Request) (*Outcome, error) {
	format := req.Format
	if format == "" {
		format = convert.FormatDOCX
	}
	ctx, span := g.tracer.Start(ctx, "generation.generate", trace.WithAttributes(
		attribute.String("format", string(format)),
		attribute.Bool("skip_persist", req.SkipPersist),
	))
	defer span.End()

	out := &Outcome{State: StateValidating, History: HistorySkipped}

	// 1. validate
	if req.Bundle == nil {
		return g.fail(ctx, span, out, StateValidationFailed, "validate", "", &record.ValidationError{Field: "bundle", Message: "bundle is required"})
	}
	b := req.Bundle.Snapshot()
	input := record.Truncate(b.Describe(), describeLimit)
	if err := b.Validate(); err != nil {
		return g.fail(ctx, span, out, StateValidationFailed, "validate", input, err)
	}
	generatedAt := g.now()

	// 2. render
	out.State = StateRendering
	started := time.Now()
	_, rspan := tracing.StartStage(ctx, g.tracer, "render")
	html, err := g.renderer.Render(b, generatedAt)
	rspan.End()
	g.observe("render", started)
	if err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "render", input, err)
	}

	// 3. convert
	out.State = StateConverting
	conv, err := g.registry.Select(format, convert.ShapeHTML)
	if err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "convert", input, err)
	}
	started = time.Now()
	cctx, cspan := tracing.StartStage(ctx, g.tracer, "convert", attribute.String("format", string(format)))
	art, err := conv.Convert(cctx, convert.Source{
		Shape:       convert.ShapeHTML,
		HTML:        html,
		Title:       "Prontuário - " + b.Patient.Name,
		GeneratedAt: generatedAt,
	})
	if err != nil {
		tracing.Fail(cspan, err)
	}
	cspan.End()
	g.observe("convert", started)
	if err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "convert", input, err)
	}

	// 4. download
	out.State = StateDownloading
	fileName := record.FileName("prontuario", b.Patient.Name, generatedAt, format.Extension())
	if err := g.save(ctx, req.Saver, fileName, art); err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "download", input, err)
	}
	out.FileName = fileName
	out.Artifact = art
	out.Primary = Result{OK: true}
	if g.metrics != nil {
		g.metrics.DocumentsGenerated.WithLabelValues(string(format), "record").Inc()
		g.metrics.ArtifactBytes.WithLabelValues(string(format)).Observe(float64(art.Size()))
	}

	// 5. persist
	out.State = StatePersisting
	out.Secondary, out.History = g.persist(ctx, req, b)

	// 6. notify
	out.State = StateDone
	g.notifier.Notify(ctx, notify.Notification{
		Title:       "Documento gerado com sucesso",
		Description: fileName,
		Severity:    notify.Success,
	})
	g.logger.Info("document generated",
		zap.String("file", fileName),
		zap.String("format", string(format)),
		zap.Int("bytes", art.Size()),
		zap.String("history", string(out.History)))
	span.SetAttributes(attribute.String("history", string(out.History)))
	return out, nil
}

func (g *Generator) persist(ctx context.Context, req Request, b *record.Bundle) (Result, HistoryStatus) {
	if req.SkipPersist || g.persister == nil {
		return Result{OK: true}, HistorySkipped
	}
	started := time.Now()
	pctx, pspan := tracing.StartStage(ctx, g.tracer, "persist")
	defer pspan.End()
	defer g.observe("persist", started)

	if !g.persister.Persist(pctx, req.UserID, b) {
		// the persister already logged and notified
		pspan.SetAttributes(attribute.Bool("saved", false))
		return Result{Err: ErrPersistence}, HistoryFailed
	}
	return Result{OK: true}, HistorySaved
}

func (g *Generator) save(ctx context.Context, override Saver, fileName string, art *convert.Artifact) error {
	s := override
	if s == nil {
		s = g.saver
	}
	if s == nil {
		return &DownloadError{FileName: fileName, Err: errors.New("no saver configured")}
	}
	started := time.Now()
	defer g.observe("download", started)
	if err := s.Save(ctx, fileName, art); err != nil {
		return &DownloadError{FileName: fileName, Err: err}
	}
	return nil
}

// fail logs with stage and input before notifying, then ends the attempt in state
func (g *Generator) fail(ctx context.Context, span trace.Span, out *Outcome, state State, stage, input string, err error) (*Outcome, error) {
	out.State = state
	out.Primary = Result{Err: err}
	tracing.Fail(span, err)

	g.logger.Error("document generation failed",
		zap.String("stage", stage),
		zap.String("state", string(state)),
		zap.String("input", input),
		zap.Error(err))
	if g.metrics != nil {
		g.metrics.GenerationFailures.WithLabelValues(string(state)).Inc()
	}

	n := notify.Notification{Title: "Erro ao gerar documento", Description: err.Error(), Severity: notify.Error}
	var verr *record.ValidationError
	if errors.As(err, &verr) {
		n = notify.Notification{Title: "Dados incompletos", Description: validationHint(verr), Severity: notify.Error}
	}
	g.notifier.Notify(ctx, n)
	return out, err
}

func validationHint(e *record.ValidationError) string {
	if strings.HasSuffix(e.Field, "medication") {
		return "Informe a medicação antes de gerar a receita."
	}
	return "Preencha o nome do paciente antes de gerar o documento."
}

func (g *Generator) observe(stage string, started time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveStage(stage, started)
	}
}
