package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data []byte, _ string) error {
	m.objects[path] = data
	m.puts++
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveFailedJob(t *testing.T) {
	blobs := newMemBlobs()
	audit := &memAudit{}
	a := NewArchiver(blobs, audit)
	a.now = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }

	job := domain.Job{ID: "partial-orders:blur/1", Queue: domain.QueuePartialOrders, Attempt: 5}
	path, err := a.ArchiveFailedJob(context.Background(), job, errors.New("lock held"))
	require.NoError(t, err)
	assert.Equal(t, "dead-letter/partial-orders/2026-05-04/partial-orders_blur_1.json", path)
	assert.Equal(t, []string{"job.failed"}, audit.events)

	var record DeadLetter
	require.NoError(t, json.Unmarshal(blobs.objects[path], &record))
	assert.Equal(t, job.ID, record.Job.ID)
	assert.Equal(t, "lock held", record.Error)
	assert.True(t, bytes.HasSuffix(blobs.objects[path], []byte("\n")))

	infos, err := a.ListFailedJobs(context.Background(), domain.QueuePartialOrders)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
	infos, err = a.ListFailedJobs(context.Background(), domain.QueueOrderFixes)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestArchiveTraceIsWrittenOnce(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, nil)
	trace := &domain.CallFrame{Type: "CALL", To: "0x1", Input: "0x"}

	path, err := a.ArchiveTrace(context.Background(), "0xABC", trace)
	require.NoError(t, err)
	assert.Equal(t, "traces/0xabc.json", path)

	_, err = a.ArchiveTrace(context.Background(), "0xabc", trace)
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.puts)

	got, err := a.LoadTrace(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, trace, got)

	_, err = a.LoadTrace(context.Background(), "traces/0xmissing.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", endpointURL("s3.example.com", true))
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	assert.Equal(t, "http://x", endpointURL("http://x", true))

	assert.Empty(t, keyPrefix(""))
	assert.Equal(t, "mainnet/", keyPrefix("/mainnet/"))

	c := &Client{prefix: keyPrefix("mainnet")}
	assert.Equal(t, "mainnet/traces/0xabc.json", c.key(tracePath("0xABC")))
	info := c.info(types.Object{Key: aws.String("mainnet/dead-letter/order-fixes/a.json"), Size: aws.Int64(3)})
	assert.Equal(t, "dead-letter/order-fixes/a.json", info.Path)
	assert.Equal(t, int64(3), info.Size)
}
