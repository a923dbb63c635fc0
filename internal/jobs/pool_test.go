package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

type fakeConsumer struct {
	mu      sync.Mutex
	pending []domain.Delivery
	acked   []string
	retried map[string]time.Duration
	failed  []domain.Job
}

func newFakeConsumer(jobs ...domain.Job) *fakeConsumer {
	c := &fakeConsumer{retried: map[string]time.Duration{}}
	for i, j := range jobs {
		c.pending = append(c.pending, domain.Delivery{StreamID: fmt.Sprintf("%d-0", i), Job: j})
	}
	return c
}

func (c *fakeConsumer) Fetch(ctx context.Context, _, _ string, count int, block time.Duration) ([]domain.Delivery, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := min(count, len(c.pending))
		out := c.pending[:n]
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (c *fakeConsumer) Ack(_ context.Context, _ string, d domain.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, d.Job.ID)
	return nil
}

func (c *fakeConsumer) Retry(_ context.Context, d domain.Delivery, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retried[d.Job.ID] = delay
	return nil
}

func (c *fakeConsumer) Fail(_ context.Context, d domain.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, d.Job)
	return nil
}

func (c *fakeConsumer) PromoteDue(context.Context, string, time.Time) (int, error) { return 0, nil }

func (c *fakeConsumer) Depth(_ context.Context, queue string) (domain.QueueDepth, error) {
	return domain.QueueDepth{Queue: queue}, nil
}

type failures struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (f *failures) JobFailed(_ context.Context, job domain.Job, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func job(id string, attempt int) domain.Job {
	return domain.Job{ID: id, Queue: domain.QueueOrderFixes, Attempt: attempt, Payload: []byte(`{}`)}
}

func TestProcessSettlesByOutcome(t *testing.T) {
	consumer := newFakeConsumer()
	sink := &failures{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	pool := NewPool(consumer, sink, metrics, testLogger())

	class := Class{
		Queue:       domain.QueueOrderFixes,
		MaxAttempts: 3,
		Backoff:     Backoff{Kind: BackoffExponential, Delay: 10 * time.Second},
		Handler: HandlerFunc(func(_ context.Context, j domain.Job) error {
			switch j.ID {
			case "ok":
				return nil
			case "bad-payload":
				return fmt.Errorf("decode: %w", domain.ErrInvalidPayload)
			}
			return errors.New("rpc unavailable")
		}),
	}

	ctx := context.Background()
	pool.process(ctx, class, domain.Delivery{Job: job("ok", 0)})
	pool.process(ctx, class, domain.Delivery{Job: job("flaky", 1)})
	pool.process(ctx, class, domain.Delivery{Job: job("exhausted", 2)})
	pool.process(ctx, class, domain.Delivery{Job: job("bad-payload", 0)})

	assert.Equal(t, []string{"ok"}, consumer.acked)
	assert.Equal(t, map[string]time.Duration{"flaky": 20 * time.Second}, consumer.retried)

	require.Len(t, consumer.failed, 2)
	assert.Equal(t, "exhausted", consumer.failed[0].ID)
	assert.Equal(t, "rpc unavailable", consumer.failed[0].LastError)
	assert.Equal(t, "bad-payload", consumer.failed[1].ID)
	assert.Len(t, sink.jobs, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.processed.WithLabelValues(domain.QueueOrderFixes, OutcomeDone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.processed.WithLabelValues(domain.QueueOrderFixes, OutcomeRetried)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.processed.WithLabelValues(domain.QueueOrderFixes, OutcomeFailed)))
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	consumer := newFakeConsumer(job("a", 0), job("b", 0), job("c", 0))
	pool := NewPool(consumer, nil, nil, testLogger())
	pool.block = 10 * time.Millisecond

	var mu sync.Mutex
	seen := map[string]bool{}
	pool.Register(Class{
		Queue:       domain.QueueOrderFixes,
		Concurrency: 2,
		Handler: HandlerFunc(func(_ context.Context, j domain.Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen[j.ID] = true
			return nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return len(consumer.acked) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Len(t, seen, 3)
}

func TestRunWithoutClasses(t *testing.T) {
	pool := NewPool(newFakeConsumer(), nil, nil, testLogger())
	assert.Error(t, pool.Run(context.Background()))
}

func TestBackoff(t *testing.T) {
	fixed := Backoff{Kind: BackoffFixed, Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, fixed.Next(0))
	assert.Equal(t, 5*time.Second, fixed.Next(4))

	exp := Backoff{Kind: BackoffExponential, Delay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, exp.Next(0))
	assert.Equal(t, 20*time.Second, exp.Next(1))
	assert.Equal(t, 80*time.Second, exp.Next(3))
	assert.Equal(t, time.Hour, exp.Next(20))

	_, err := ParseBackoffKind("linear")
	assert.Error(t, err)
	kind, err := ParseBackoffKind("exponential")
	require.NoError(t, err)
	assert.Equal(t, BackoffExponential, kind)
}

func TestRecordTransitionOnNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("reconciler", domain.FillabilityFillable, domain.ApprovalApproved)
		m.ObserveJob("q", OutcomeDone, time.Millisecond)
	})
}
