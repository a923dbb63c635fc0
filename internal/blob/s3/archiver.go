package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const (
	deadLetterPrefix = "dead-letter"
	tracePrefix      = "traces"
)

// DeadLetter is the archived form of a job that exhausted its retries.
type DeadLetter struct {
	Job      domain.Job `json:"job"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failedAt"`
}

// ArchiveImpl implements domain.DeadLetterArchive and domain.TraceArchive
// on top of a blob store.
type ArchiveImpl struct {
	blobs domain.BlobStore
	audit domain.AuditStore
	now   func() time.Time
}

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(blobs domain.BlobStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		blobs: blobs,
		audit: audit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveFailedJob stores job as one JSONL record under
// dead-letter/<queue>/<YYYY-MM-DD>/<jobID>.json and returns the path. The
// archival event is recorded in the audit log.
func (a *ArchiveImpl) ArchiveFailedJob(ctx context.Context, job domain.Job, cause error) (string, error) {
	record := DeadLetter{Job: job, FailedAt: a.now()}
	if cause != nil {
		record.Error = cause.Error()
	}
	buf, err := marshalJSONL([]DeadLetter{record})
	if err != nil {
		return "", fmt.Errorf("s3blob: dead letter marshal: %w", err)
	}

	path := deadLetterPath(job.Queue, job.ID, record.FailedAt)
	if err := a.blobs.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: dead letter upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "job.failed", map[string]any{
			"queue":   job.Queue,
			"job_id":  job.ID,
			"attempt": job.Attempt,
			"path":    path,
			"error":   record.Error,
		}); err != nil {
			return path, fmt.Errorf("s3blob: dead letter audit log: %w", err)
		}
	}
	return path, nil
}

// ListFailedJobs lists archived dead letters of queue, or of every queue
// when queue is empty.
func (a *ArchiveImpl) ListFailedJobs(ctx context.Context, queue string) ([]domain.BlobInfo, error) {
	prefix := deadLetterPrefix + "/"
	if queue != "" {
		prefix += queue + "/"
	}
	infos, err := a.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list dead letters: %w", err)
	}
	return infos, nil
}

// ArchiveTrace stores a call trace as JSON under traces/<txHash>.json
// unless it is already there.
func (a *ArchiveImpl) ArchiveTrace(ctx context.Context, txHash string, trace *domain.CallFrame) (string, error) {
	path := tracePath(txHash)
	exists, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: trace exists: %w", err)
	}
	if exists {
		return path, nil
	}

	data, err := json.Marshal(trace)
	if err != nil {
		return "", fmt.Errorf("s3blob: trace marshal: %w", err)
	}
	if err := a.blobs.Put(ctx, path, data, "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: trace upload: %w", err)
	}
	return path, nil
}

// LoadTrace reads back a trace stored by ArchiveTrace.
func (a *ArchiveImpl) LoadTrace(ctx context.Context, path string) (*domain.CallFrame, error) {
	rc, err := a.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var trace domain.CallFrame
	if err := json.NewDecoder(rc).Decode(&trace); err != nil {
		return nil, fmt.Errorf("s3blob: decode trace %s: %w", path, err)
	}
	return &trace, nil
}

func tracePath(txHash string) string {
	return tracePrefix + "/" + strings.ToLower(txHash) + ".json"
}

// deadLetterPath builds dead-letter/<queue>/<YYYY-MM-DD>/<jobID>.json. Job
// ids may contain separators, which are flattened.
func deadLetterPath(queue, jobID string, at time.Time) string {
	id := strings.NewReplacer("/", "_", ":", "_").Replace(jobID)
	return fmt.Sprintf("%s/%s/%s/%s.json", deadLetterPrefix, queue, at.Format("2006-01-02"), id)
}

// marshalJSONL serializes a slice of records into newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var (
	_ domain.DeadLetterArchive = (*ArchiveImpl)(nil)
	_ domain.TraceArchive      = (*ArchiveImpl)(nil)
)
