package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Queue names.
const (
	QueueMakerUpdates   = "order-updates-by-maker"
	QueueOrderFixes     = "order-fixes"
	QueueOrderUpdatesID = "order-updates-by-id"
	QueuePartialOrders  = "partial-orders"
)

// Job is one unit of queued work. ID doubles as the dedup key.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// NewJob encodes payload into a job for the given queue.
func NewJob(queue, id string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s job %s: %w", queue, id, err)
	}
	return Job{ID: id, Queue: queue, Payload: raw, EnqueuedAt: time.Now().UTC()}, nil
}

// Decode unmarshals the job payload.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %s job %s: %v", ErrInvalidPayload, j.Queue, j.ID, err)
	}
	return nil
}

// Delivery is a job handed to a consumer together with its stream entry.
type Delivery struct {
	StreamID string
	Job      Job
}

// JobQueue accepts new jobs. Jobs whose ID was seen recently are dropped.
type JobQueue interface {
	Enqueue(ctx context.Context, jobs ...Job) error
}

// JobConsumer is the worker side of a job queue.
type JobConsumer interface {
	Fetch(ctx context.Context, queue, consumer string, count int, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, queue string, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
	Fail(ctx context.Context, d Delivery) error
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
	Depth(ctx context.Context, queue string) (QueueDepth, error)
}

// QueueDepth summarizes the backlog of one queue.
type QueueDepth struct {
	Queue   string `json:"queue"`
	Stream  int64  `json:"stream"`
	Pending int64  `json:"pending"`
	Delayed int64  `json:"delayed"`
	Failed  int64  `json:"failed"`
}
