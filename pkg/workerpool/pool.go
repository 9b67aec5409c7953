// Package workerpool provides a bounded worker pool for controlled concurrency.
// Used by the regeneration worker to cap how many documents are built at once.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("pool is shutting down")
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work. Context, if set, bounds the task instead of the pool's context.
type Task[T any] struct {
	ID      string
	Payload T
	Context context.Context
}

// Result is delivered to the result callback once per task
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// WorkerFunc processes one payload
type WorkerFunc[T any] func(ctx context.Context, payload T) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for CPU-bound document conversion
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               64,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of goroutines
type Pool[T any] struct {
	config   Config
	fn       WorkerFunc[T]
	onResult func(Result)
	logger   *zap.Logger

	tasks chan *Task[T]
	wg    sync.WaitGroup
	// mu keeps Stop from closing tasks under an in-flight send
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a pool. onResult may be nil.
func New[T any](cfg Config, fn WorkerFunc[T], onResult func(Result), logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = d.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config:   cfg,
		fn:       fn,
		onResult: onResult,
		logger:   logger,
		tasks:    make(chan *Task[T], cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// TrySubmit queues a task without blocking
func (p *Pool[T]) TrySubmit(task *Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit queues a task, waiting for room until ctx is done
func (p *Pool[T]) Submit(ctx context.Context, task *Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Stop drains the queue and waits for in-flight tasks up to the shutdown timeout
func (p *Pool[T]) Stop() {
	p.once.Do(func() {
		p.logger.Info("stopping worker pool")
		p.cancel()
		p.mu.Lock()
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.tasks {
		p.process(id, task)
	}
}

func (p *Pool[T]) process(workerID int, task *Task[T]) {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	res := Result{TaskID: task.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		res.Attempts++
		res.Err = p.fn(ctx, task.Payload)
		if res.Err == nil || attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Err == nil {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
	}
	if p.onResult != nil {
		p.onResult(res)
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue has headroom
func (p *Pool[T]) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
