package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobStore keeps archive objects. Paths are relative to the store's own
// key prefix.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// DeadLetterArchive keeps jobs that exhausted their retries.
type DeadLetterArchive interface {
	ArchiveFailedJob(ctx context.Context, job Job, cause error) (string, error)
	ListFailedJobs(ctx context.Context, queue string) ([]BlobInfo, error)
}

// TraceArchive keeps raw call traces so a replayed range does not trace the
// same transaction twice.
type TraceArchive interface {
	ArchiveTrace(ctx context.Context, txHash string, trace *CallFrame) (string, error)
	LoadTrace(ctx context.Context, path string) (*CallFrame, error)
}
