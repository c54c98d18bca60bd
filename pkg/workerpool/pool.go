// Package workerpool runs jobs on a fixed number of goroutines with bounded
// queueing and per-job retries.
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

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("workerpool: pool is stopped")

// Job is a unit of work. Run is retried until it succeeds, the retry budget
// is spent or the job's context ends.
type Job struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds jobs waiting for a worker. Submit blocks when full.
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
	// Retryable reports whether a failure is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// DefaultConfig returns defaults sized for the notifier.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task struct {
	job  Job
	ctx  context.Context
	done chan error
}

// Pool manages a pool of workers.
type Pool struct {
	config Config
	logger *zap.Logger

	tasks chan *task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	submitted int64
	completed int64
	failed    int64
	retried   int64
	active    int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return &Pool{
		config: cfg,
		logger: logger,
		tasks:  make(chan *task, cfg.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues job and returns a channel that receives its final error
// (nil on success). It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) (<-chan error, error) {
	if job.Run == nil {
		return nil, fmt.Errorf("workerpool: job %q has no Run func", job.ID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	t := &task{job: job, ctx: ctx, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
		atomic.AddInt64(&p.submitted, 1)
		return t.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunAll submits every job and waits for all of them. errs[i] is the outcome
// of jobs[i].
func (p *Pool) RunAll(ctx context.Context, jobs []Job) []error {
	errs := make([]error, len(jobs))
	waits := make([]<-chan error, len(jobs))
	for i, job := range jobs {
		done, err := p.Submit(ctx, job)
		if err != nil {
			errs[i] = err
			continue
		}
		waits[i] = done
	}
	for i, done := range waits {
		if done != nil {
			errs[i] = <-done
		}
	}
	return errs
}

// Stop rejects new jobs and waits for queued ones, up to the shutdown timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("workerpool: shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		atomic.AddInt64(&p.active, 1)
		err := p.process(t)
		atomic.AddInt64(&p.active, -1)

		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("job failed",
				zap.String("job_id", t.job.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		t.done <- err
	}
}

func (p *Pool) process(t *task) error {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = t.job.Run(ctx)
		if lastErr == nil {
			return nil
		}
		if p.config.Retryable != nil && !p.config.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying job",
			zap.String("job_id", t.job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		timer := time.NewTimer(p.config.RetryDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("job %s failed after %d retries: %w", t.job.ID, p.config.MaxRetries, lastErr)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	Active        int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		Active:        atomic.LoadInt64(&p.active),
		QueueDepth:    len(p.tasks),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
