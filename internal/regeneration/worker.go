// Package regeneration rebuilds documents from history in response to queued requests.
package regeneration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/convert"
	"github.com/drfirst/go-prontuario/internal/domain/record"
	"github.com/drfirst/go-prontuario/internal/generation"
	"github.com/drfirst/go-prontuario/internal/infrastructure/filesink"
	"github.com/drfirst/go-prontuario/internal/infrastructure/redpanda"
	"github.com/drfirst/go-prontuario/pkg/idempotency"
	"github.com/drfirst/go-prontuario/pkg/workerpool"
)

// HandlerName is recorded on every inbox entry the worker claims
const HandlerName = "regenerate-document"

// ErrUnexpectedEvent is returned for envelopes that are not regeneration requests
var ErrUnexpectedEvent = errors.New("unexpected event type")

// Loader reads a stored record. *history.Adapter implements it.
type Loader interface {
	Load(ctx context.Context, userID, id string) (*record.Bundle, error)
}

// Generator runs one attempt. *generation.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Outcome, error)
}

// Inbox deduplicates requests. *idempotency.Inbox implements it.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// DeadLetterer receives jobs that failed every attempt. *redpanda.Producer implements it.
type DeadLetterer interface {
	PublishWithHeaders(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Job is one decoded request
type Job struct {
	Key     string
	Data    record.RegenerationRequestedData
	Payload json.RawMessage
}

// Completed is stored in the inbox as the job result
type Completed struct {
	FileName string `json:"file_name"`
	Bytes    int    `json:"bytes"`
}

// Config configures a Worker
type Config struct {
	Pool            workerpool.Config
	DeadLetterTopic string
}

// Worker decodes requests on the consumer goroutine and generates on a bounded pool
type Worker struct {
	loader     Loader
	gen        Generator
	sink       generation.Saver
	inbox      Inbox
	deadLetter DeadLetterer
	dlqTopic   string
	logger     *zap.Logger

	pool *workerpool.Pool[*Job]
}

// New creates a worker. deadLetter may be nil.
func New(cfg Config, loader Loader, gen Generator, sink generation.Saver, inbox Inbox, deadLetter DeadLetterer, logger *zap.Logger) (*Worker, error) {
	if loader == nil || gen == nil || sink == nil || inbox == nil {
		return nil, errors.New("regeneration: loader, generator, sink and inbox are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		loader:     loader,
		gen:        gen,
		sink:       sink,
		inbox:      inbox,
		deadLetter: deadLetter,
		dlqTopic:   cfg.DeadLetterTopic,
		logger:     logger.Named("regeneration"),
	}
	pool, err := workerpool.New[*Job](cfg.Pool, w.run, nil, w.logger)
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool
func (w *Worker) Stop() { w.pool.Stop() }

// Stats exposes pool counters
func (w *Worker) Stats() workerpool.Stats { return w.pool.Stats() }

// ErrSaturated is reported by Ready while the job queue is nearly full
var ErrSaturated = errors.New("regeneration queue saturated")

// Ready is a readiness check. It fails while the pool has no queue headroom.
func (w *Worker) Ready(context.Context) error {
	if !w.pool.IsHealthy() {
		s := w.pool.Stats()
		return fmt.Errorf("%w: %d/%d queued", ErrSaturated, s.QueueDepth, s.QueueCapacity)
	}
	return nil
}

// Decode parses an outbox envelope into a job
func Decode(value []byte) (*Job, error) {
	var event record.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if event.EventType != record.EventRegenerationRequested {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedEvent, event.EventType)
	}
	var data record.RegenerationRequestedData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if data.RecordID == "" || data.UserID == "" {
		return nil, errors.New("request without record or user")
	}
	if _, err := convert.ParseFormat(data.Format); err != nil {
		return nil, err
	}
	return &Job{
		Key:     idempotency.GenerateKey(data.RecordID, data.UserID, data.Format, data.RequestedAt),
		Data:    data,
		Payload: event.EventData,
	}, nil
}

// Handle is the consumer's message handler. Malformed messages are returned as errors so the
// consumer dead-letters them; valid ones are queued with backpressure.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	job, err := Decode(msg.Value)
	if err != nil {
		return err
	}
	return w.pool.Submit(ctx, &workerpool.Task[*Job]{ID: job.Key, Payload: job})
}

// run executes one job through the inbox
func (w *Worker) run(ctx context.Context, job *Job) error {
	res, err := w.inbox.Process(ctx, job.Key, HandlerName, job.Payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		c, err := w.Regenerate(ctx, job.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(c)
	})

	var perm *idempotency.PermanentError
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		w.logger.Info("regeneration already handled elsewhere", zap.String("key", job.Key), zap.Error(err))
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		w.logger.Warn("regeneration failed before, not retrying", zap.String("key", job.Key))
		return nil
	case errors.As(err, &perm):
		// retrying cannot help
		w.deadLetterJob(ctx, job, err)
		return nil
	case err != nil:
		return err
	}

	if res.Duplicate {
		w.logger.Info("duplicate regeneration request", zap.String("key", job.Key), zap.String("record_id", job.Data.RecordID))
	}
	return nil
}

// Regenerate loads the record and writes the document to the sink. It never touches history.
func (w *Worker) Regenerate(ctx context.Context, data record.RegenerationRequestedData) (*Completed, error) {
	format, err := convert.ParseFormat(data.Format)
	if err != nil {
		return nil, idempotency.Permanent(err)
	}
	b, err := w.loader.Load(ctx, data.UserID, data.RecordID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil, idempotency.Permanent(err)
		}
		return nil, err
	}

	out, err := w.gen.Generate(ctx, generation.Request{
		UserID:      data.UserID,
		Bundle:      b,
		Format:      format,
		Saver:       w.sink,
		SkipPersist: true,
	})
	if err != nil {
		var verr *record.ValidationError
		if errors.As(err, &verr) || errors.Is(err, filesink.ErrInvalidName) {
			return nil, idempotency.Permanent(err)
		}
		return nil, err
	}

	w.logger.Info("document regenerated",
		zap.String("record_id", data.RecordID),
		zap.String("request_id", data.RequestID),
		zap.String("file", out.FileName))
	return &Completed{FileName: out.FileName, Bytes: out.Artifact.Size()}, nil
}

func (w *Worker) deadLetterJob(ctx context.Context, job *Job, cause error) {
	w.logger.Error("regeneration failed permanently",
		zap.String("key", job.Key),
		zap.String("record_id", job.Data.RecordID),
		zap.Error(cause))
	if w.deadLetter == nil || w.dlqTopic == "" {
		return
	}
	headers := map[string]string{
		"x-handler": HandlerName,
		"x-error":   cause.Error(),
	}
	if err := w.deadLetter.PublishWithHeaders(ctx, w.dlqTopic, job.Data.RequestID, job.Payload, headers); err != nil {
		w.logger.Error("dead-letter publish failed", zap.String("key", job.Key), zap.Error(err))
	}
}
