// Package jobs runs queue consumers with bounded concurrency, retries with
// backoff and a dead-letter path for exhausted jobs.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const (
	defaultFetchBlock      = 2 * time.Second
	defaultPromoteInterval = time.Second
	ackTimeout             = 5 * time.Second
)

// Handler processes one job. A returned error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// FailureHandler is told about jobs that exhausted their attempts.
type FailureHandler interface {
	JobFailed(ctx context.Context, job domain.Job, cause error)
}

// Class is one queue and the policy its jobs run under.
type Class struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	Handler     Handler
}

// Pool consumes every registered class until its context ends.
type Pool struct {
	consumer domain.JobConsumer
	classes  []Class
	onFail   FailureHandler
	metrics  *Metrics
	name     string
	block    time.Duration
	promote  time.Duration
	logger   *slog.Logger
}

// NewPool creates a Pool. onFail and metrics may be nil.
func NewPool(consumer domain.JobConsumer, onFail FailureHandler, metrics *Metrics, logger *slog.Logger) *Pool {
	return &Pool{
		consumer: consumer,
		onFail:   onFail,
		metrics:  metrics,
		name:     "worker-" + uuid.NewString(),
		block:    defaultFetchBlock,
		promote:  defaultPromoteInterval,
		logger:   logger.With(slog.String("component", "job-pool")),
	}
}

// Register adds a class. It must be called before Run.
func (p *Pool) Register(c Class) {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	p.classes = append(p.classes, c)
}

// Queues returns the registered queue names.
func (p *Pool) Queues() []string {
	out := make([]string, 0, len(p.classes))
	for _, c := range p.classes {
		out = append(out, c.Queue)
	}
	return out
}

// Run consumes all classes. It returns nil on context cancellation.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.classes) == 0 {
		return errors.New("jobs: no job classes registered")
	}
	p.logger.Info("job pool starting",
		slog.String("consumer", p.name),
		slog.Any("queues", p.Queues()),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.classes {
		g.Go(func() error { return p.consume(ctx, c) })
		g.Go(func() error { return p.promoteLoop(ctx, c.Queue) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		p.logger.Info("job pool stopped")
		return nil
	}
	return err
}

func (p *Pool) consume(ctx context.Context, c Class) error {
	sem := semaphore.NewWeighted(int64(c.Concurrency))
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		sem.Release(1)

		deliveries, err := p.consumer.Fetch(ctx, c.Queue, p.name, c.Concurrency, p.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.ErrorContext(ctx, "fetch failed",
				slog.String("queue", c.Queue),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.block):
			}
			continue
		}

		for _, d := range deliveries {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go func() {
				defer sem.Release(1)
				p.process(ctx, c, d)
			}()
		}
	}
}

// process runs one delivery and settles it. Settlement uses a fresh context
// so a shutdown mid-job still acks or reschedules it.
func (p *Pool) process(ctx context.Context, c Class, d domain.Delivery) {
	start := time.Now()
	err := c.Handler.Handle(ctx, d.Job)
	took := time.Since(start)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if err == nil {
		if ackErr := p.consumer.Ack(settleCtx, c.Queue, d); ackErr != nil {
			p.logger.ErrorContext(ctx, "ack failed",
				slog.String("queue", c.Queue),
				slog.String("job_id", d.Job.ID),
				slog.String("error", ackErr.Error()),
			)
		}
		p.metrics.ObserveJob(c.Queue, OutcomeDone, took)
		return
	}

	d.Job.LastError = err.Error()
	if errors.Is(err, domain.ErrInvalidPayload) || d.Job.Attempt+1 >= c.MaxAttempts {
		p.fail(settleCtx, c, d, err)
		p.metrics.ObserveJob(c.Queue, OutcomeFailed, took)
		return
	}

	delay := c.Backoff.Next(d.Job.Attempt)
	p.logger.WarnContext(ctx, "job failed, retrying",
		slog.String("queue", c.Queue),
		slog.String("job_id", d.Job.ID),
		slog.Int("attempt", d.Job.Attempt+1),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
	if retryErr := p.consumer.Retry(settleCtx, d, delay); retryErr != nil {
		p.logger.ErrorContext(ctx, "retry scheduling failed",
			slog.String("queue", c.Queue),
			slog.String("job_id", d.Job.ID),
			slog.String("error", retryErr.Error()),
		)
	}
	p.metrics.ObserveJob(c.Queue, OutcomeRetried, took)
}

func (p *Pool) fail(ctx context.Context, c Class, d domain.Delivery, cause error) {
	p.logger.ErrorContext(ctx, "job exhausted",
		slog.String("queue", c.Queue),
		slog.String("job_id", d.Job.ID),
		slog.Int("attempts", d.Job.Attempt+1),
		slog.String("error", cause.Error()),
	)
	if err := p.consumer.Fail(ctx, d); err != nil {
		p.logger.ErrorContext(ctx, "moving job to failed stream",
			slog.String("job_id", d.Job.ID),
			slog.String("error", err.Error()),
		)
	}
	if p.onFail != nil {
		p.onFail.JobFailed(ctx, d.Job, cause)
	}
}

func (p *Pool) promoteLoop(ctx context.Context, queue string) error {
	ticker := time.NewTicker(p.promote)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.consumer.PromoteDue(ctx, queue, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.WarnContext(ctx, "promote failed",
					slog.String("queue", queue),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				p.logger.DebugContext(ctx, "promoted delayed jobs",
					slog.String("queue", queue),
					slog.Int("count", n),
				)
			}
		}
	}
}
