package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/redis/go-redis/v9"
)

// enqueueLua adds a job to its stream only if its dedup key was not set.
const enqueueLua = `
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'job', ARGV[2])
    return 1
end
return 0
`

// promoteLua moves due jobs from the delayed set back onto the stream.
const promoteLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
    redis.call('ZREM', KEYS[1], job)
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'job', job)
end
return #due
`

const (
	jobGroup        = "workers"
	jobField        = "job"
	jobStreamMaxLen = 1_000_000
	promoteBatch    = 500
)

// JobQueueConfig tunes the stream-backed job queue.
type JobQueueConfig struct {
	DedupTTL     time.Duration
	ClaimMinIdle time.Duration
	FailedMaxLen int64
}

// JobQueue implements domain.JobQueue and domain.JobConsumer on Redis
// Streams. Each queue is a stream read through one consumer group; retries
// wait in a sorted set scored by due time; exhausted jobs land on a failed
// stream.
type JobQueue struct {
	rdb     *redis.Client
	cfg     JobQueueConfig
	enqueue *redis.Script
	promote *redis.Script

	mu     sync.Mutex
	groups map[string]bool
}

// NewJobQueue creates a JobQueue backed by the given Client.
func NewJobQueue(c *Client, cfg JobQueueConfig) *JobQueue {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 5 * time.Minute
	}
	if cfg.FailedMaxLen <= 0 {
		cfg.FailedMaxLen = 10000
	}
	return &JobQueue{
		rdb:     c.rdb,
		cfg:     cfg,
		enqueue: redis.NewScript(enqueueLua),
		promote: redis.NewScript(promoteLua),
		groups:  make(map[string]bool),
	}
}

func streamKey(queue string) string  { return "jobs:" + queue }
func delayedKey(queue string) string { return "jobs:" + queue + ":delayed" }
func failedKey(queue string) string  { return "jobs:" + queue + ":failed" }
func dedupKey(queue, id string) string {
	return "jobs:" + queue + ":seen:" + id
}

// Enqueue adds jobs to their queues. Jobs whose id was enqueued within the
// dedup window are dropped silently.
func (q *JobQueue) Enqueue(ctx context.Context, jobs ...domain.Job) error {
	for _, job := range jobs {
		if job.Queue == "" || job.ID == "" {
			return fmt.Errorf("redis: enqueue: %w: job needs queue and id", domain.ErrInvalidPayload)
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
		}
		err = q.enqueue.Run(ctx, q.rdb,
			[]string{dedupKey(job.Queue, job.ID), streamKey(job.Queue)},
			q.cfg.DedupTTL.Milliseconds(), raw, jobStreamMaxLen,
		).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis: enqueue %s/%s: %w", job.Queue, job.ID, err)
		}
	}
	return nil
}

func (q *JobQueue) ensureGroup(ctx context.Context, queue string) error {
	q.mu.Lock()
	done := q.groups[queue]
	q.mu.Unlock()
	if done {
		return nil
	}

	err := q.rdb.XGroupCreateMkStream(ctx, streamKey(queue), jobGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group for %s: %w", queue, err)
	}

	q.mu.Lock()
	q.groups[queue] = true
	q.mu.Unlock()
	return nil
}

// Fetch returns up to count deliveries for consumer. Entries left pending
// by a crashed consumer for longer than ClaimMinIdle are reclaimed first;
// otherwise it blocks up to block for new entries.
func (q *JobQueue) Fetch(ctx context.Context, queue, consumer string, count int, block time.Duration) ([]domain.Delivery, error) {
	if err := q.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(queue),
		Group:    jobGroup,
		Consumer: consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: reclaim %s: %w", queue, err)
	}
	if len(claimed) > 0 {
		return q.toDeliveries(ctx, queue, claimed), nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    jobGroup,
		Consumer: consumer,
		Streams:  []string{streamKey(queue), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read %s: %w", queue, err)
	}

	var out []domain.Delivery
	for _, s := range streams {
		out = append(out, q.toDeliveries(ctx, queue, s.Messages)...)
	}
	return out, nil
}

// toDeliveries decodes stream entries. Undecodable entries are moved to the
// failed stream so they do not block the group.
func (q *JobQueue) toDeliveries(ctx context.Context, queue string, msgs []redis.XMessage) []domain.Delivery {
	out := make([]domain.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		job, err := decodeJob(msg)
		if err != nil {
			q.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: failedKey(queue),
				MaxLen: q.cfg.FailedMaxLen,
				Approx: true,
				Values: map[string]interface{}{jobField: fmt.Sprint(msg.Values[jobField]), "error": err.Error()},
			})
			q.rdb.XAck(ctx, streamKey(queue), jobGroup, msg.ID)
			q.rdb.XDel(ctx, streamKey(queue), msg.ID)
			continue
		}
		out = append(out, domain.Delivery{StreamID: msg.ID, Job: job})
	}
	return out
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	var raw []byte
	switch v := msg.Values[jobField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return domain.Job{}, fmt.Errorf("%w: entry %s has no job field", domain.ErrInvalidPayload, msg.ID)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, fmt.Errorf("%w: entry %s: %v", domain.ErrInvalidPayload, msg.ID, err)
	}
	return job, nil
}

// Ack marks a delivery done and trims it from the stream.
func (q *JobQueue) Ack(ctx context.Context, queue string, d domain.Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, streamKey(queue), jobGroup, d.StreamID)
		p.XDel(ctx, streamKey(queue), d.StreamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: ack %s/%s: %w", queue, d.Job.ID, err)
	}
	return nil
}

// Retry schedules the job again after delay with its attempt counter
// bumped, then acknowledges the current delivery.
func (q *JobQueue) Retry(ctx context.Context, d domain.Delivery, delay time.Duration) error {
	job := d.Job
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode retry %s: %w", job.ID, err)
	}
	due := time.Now().Add(delay).UnixMilli()

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(due), Member: raw})
		p.XAck(ctx, streamKey(job.Queue), jobGroup, d.StreamID)
		p.XDel(ctx, streamKey(job.Queue), d.StreamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: retry %s/%s: %w", job.Queue, job.ID, err)
	}
	return nil
}

// Fail moves the job to the queue's failed stream.
func (q *JobQueue) Fail(ctx context.Context, d domain.Delivery) error {
	raw, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("redis: encode failed job %s: %w", d.Job.ID, err)
	}
	queue := d.Job.Queue

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: failedKey(queue),
			MaxLen: q.cfg.FailedMaxLen,
			Approx: true,
			Values: map[string]interface{}{jobField: raw, "error": d.Job.LastError},
		})
		p.XAck(ctx, streamKey(queue), jobGroup, d.StreamID)
		p.XDel(ctx, streamKey(queue), d.StreamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: fail %s/%s: %w", queue, d.Job.ID, err)
	}
	return nil
}

// PromoteDue moves delayed jobs whose time has come back onto the stream.
func (q *JobQueue) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := q.promote.Run(ctx, q.rdb,
		[]string{delayedKey(queue), streamKey(queue)},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch, jobStreamMaxLen,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis: promote %s: %w", queue, err)
	}
	return n, nil
}

// Depth reports the backlog of queue.
func (q *JobQueue) Depth(ctx context.Context, queue string) (domain.QueueDepth, error) {
	d := domain.QueueDepth{Queue: queue}

	pipe := q.rdb.Pipeline()
	streamLen := pipe.XLen(ctx, streamKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	failed := pipe.XLen(ctx, failedKey(queue))
	pending := pipe.XPending(ctx, streamKey(queue), jobGroup)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) && !strings.Contains(err.Error(), "NOGROUP") {
		return d, fmt.Errorf("redis: depth %s: %w", queue, err)
	}

	d.Stream = streamLen.Val()
	d.Delayed = delayed.Val()
	d.Failed = failed.Val()
	if p, err := pending.Result(); err == nil && p != nil {
		d.Pending = p.Count
	}
	return d, nil
}

// ListFailed returns the newest failed jobs of queue.
func (q *JobQueue) ListFailed(ctx context.Context, queue string, count int64) ([]domain.Job, error) {
	msgs, err := q.rdb.XRevRangeN(ctx, failedKey(queue), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list failed %s: %w", queue, err)
	}
	jobs := make([]domain.Job, 0, len(msgs))
	for _, msg := range msgs {
		job, err := decodeJob(msg)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Compile-time interface checks.
var (
	_ domain.JobQueue    = (*JobQueue)(nil)
	_ domain.JobConsumer = (*JobQueue)(nil)
)
