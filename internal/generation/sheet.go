package generation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/notify"
	"github.com/drfirst/go-prontuario/internal/observability/tracing"
)

// SheetRequest is a prescription-only attempt. It is never persisted.
type SheetRequest struct {
	Sheet *record.PrescriptionSheet
	Saver Saver
}

// GenerateSheet builds a single prescription sheet through the paragraph-tree strategy
func (g *Generator) GenerateSheet(ctx context.Context, req SheetRequest) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "generation.sheet", trace.WithAttributes(
		attribute.String("format", string(convert.FormatDOCX)),
	))
	defer span.End()

	out := &Outcome{State: StateValidating, History: HistorySkipped}
	if err := req.Sheet.Validate(); err != nil {
		return g.fail(ctx, span, out, StateValidationFailed, "validate", "", err)
	}
	sheet := *req.Sheet
	input := record.Truncate("sheet patient="+sheet.PatientName+" medication="+sheet.Line.Medication, describeLimit)
	generatedAt := g.now()
	if sheet.Date == "" {
		sheet.Date = generatedAt.Format(record.ISODate)
	}

	out.State = StateConverting
	conv, err := g.registry.Select(convert.FormatDOCX, convert.ShapeParagraphTree)
	if err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "convert", input, err)
	}
	started := time.Now()
	cctx, cspan := tracing.StartStage(ctx, g.tracer, "convert", attribute.String("shape", string(convert.ShapeParagraphTree)))
	art, err := conv.Convert(cctx, convert.Source{
		Shape:       convert.ShapeParagraphTree,
		Sheet:       &sheet,
		GeneratedAt: generatedAt,
	})
	cspan.End()
	g.observe("convert", started)
	if err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "convert", input, err)
	}

	out.State = StateDownloading
	fileName := record.FileName("receita", sheet.PatientName, generatedAt, convert.FormatDOCX.Extension())
	if err := g.save(ctx, req.Saver, fileName, art); err != nil {
		return g.fail(ctx, span, out, StateGenerationFailed, "download", input, err)
	}

	out.State = StateDone
	out.FileName = fileName
	out.Artifact = art
	out.Primary = Result{OK: true}
	out.Secondary = Result{OK: true}
	if g.metrics != nil {
		g.metrics.DocumentsGenerated.WithLabelValues(string(convert.FormatDOCX), "sheet").Inc()
	}

	g.notifier.Notify(ctx, notify.Notification{
		Title:       "Receita gerada com sucesso",
		Description: fileName,
		Severity:    notify.Success,
	})
	g.logger.Info("prescription sheet generated", zap.String("file", fileName), zap.Int("bytes", art.Size()))
	return out, nil
}
