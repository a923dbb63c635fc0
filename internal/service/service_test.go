package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type orderMap map[string]domain.Order

func (m orderMap) GetByID(_ context.Context, id string) (domain.Order, error) {
	o, ok := m[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

type streamBus struct{ appended map[string][][]byte }

func (b *streamBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.appended[stream] = append(b.appended[stream], payload)
	return nil
}

func TestUpdateServicePublishesSnapshot(t *testing.T) {
	orders := orderMap{"0xa": {
		ID:                "0xa",
		Kind:              domain.KindSeaport,
		Side:              domain.OrderSideSell,
		Price:             big.NewInt(1000),
		FillabilityStatus: domain.FillabilityNoBalance,
		ApprovalStatus:    domain.ApprovalApproved,
	}}
	bus := &streamBus{appended: map[string][][]byte{}}
	svc := NewUpdateService(orders, bus, testLogger())

	update := domain.OrderUpdate{Context: "revalidation-0xa-1", ID: "0xa", Trigger: domain.Trigger{Kind: domain.TriggerRevalidation}}
	job, err := domain.NewJob(domain.QueueOrderUpdatesID, update.Context, update)
	require.NoError(t, err)
	require.NoError(t, svc.Handle(context.Background(), job))

	require.Len(t, bus.appended[OrderUpdatesStream], 1)
	var ev OrderUpdateEvent
	require.NoError(t, json.Unmarshal(bus.appended[OrderUpdatesStream][0], &ev))
	assert.Equal(t, "0xa", ev.OrderID)
	assert.Equal(t, "1000", ev.Price)
	assert.Equal(t, domain.FillabilityNoBalance, ev.FillabilityStatus)
	assert.Equal(t, domain.TriggerRevalidation, ev.Trigger.Kind)
}

func TestUpdateServiceSkipsUnknownOrder(t *testing.T) {
	bus := &streamBus{appended: map[string][][]byte{}}
	svc := NewUpdateService(orderMap{}, bus, testLogger())

	require.NoError(t, svc.Publish(context.Background(), domain.OrderUpdate{ID: "0xgone"}))
	assert.Empty(t, bus.appended)
}

type sourceRows struct {
	rows    map[string]domain.Source
	creates int
}

func (s *sourceRows) GetOrCreate(_ context.Context, name string) (domain.Source, error) {
	if src, ok := s.rows[name]; ok {
		return src, nil
	}
	s.creates++
	src := domain.Source{ID: len(s.rows) + 1, Domain: name}
	s.rows[name] = src
	return src, nil
}

func (s *sourceRows) List(context.Context) ([]domain.Source, error) {
	var out []domain.Source
	for _, src := range s.rows {
		out = append(out, src)
	}
	return out, nil
}

type sourceCache struct{ m map[string]domain.Source }

func (c *sourceCache) Get(_ context.Context, name string) (domain.Source, error) {
	src, ok := c.m[name]
	if !ok {
		return domain.Source{}, domain.ErrNotFound
	}
	return src, nil
}

func (c *sourceCache) Set(_ context.Context, src domain.Source) error {
	c.m[src.Domain] = src
	return nil
}

func TestSourceServiceResolve(t *testing.T) {
	rows := &sourceRows{rows: map[string]domain.Source{}}
	cache := &sourceCache{m: map[string]domain.Source{}}
	svc := NewSourceService(rows, cache, testLogger())
	ctx := context.Background()

	first, err := svc.Resolve(ctx, " Blur.io ")
	require.NoError(t, err)
	again, err := svc.Resolve(ctx, "blur.io")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, rows.creates)
	assert.Equal(t, first, cache.m["blur.io"])

	_, err = svc.Resolve(ctx, "  ")
	assert.Error(t, err)
}

func TestSourceServiceUsesSharedCache(t *testing.T) {
	rows := &sourceRows{rows: map[string]domain.Source{}}
	cache := &sourceCache{m: map[string]domain.Source{"opensea.io": {ID: 3, Domain: "opensea.io"}}}
	svc := NewSourceService(rows, cache, testLogger())

	src, err := svc.Resolve(context.Background(), "opensea.io")
	require.NoError(t, err)
	assert.Equal(t, 3, src.ID)
	assert.Zero(t, rows.creates)

	n, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type deadLetters struct {
	jobs []domain.Job
	err  error
}

func (d *deadLetters) ArchiveFailedJob(_ context.Context, job domain.Job, _ error) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.jobs = append(d.jobs, job)
	return "dead-letter/" + job.Queue + "/" + job.ID + ".json", nil
}

func (d *deadLetters) ListFailedJobs(context.Context, string) ([]domain.BlobInfo, error) {
	return nil, nil
}

type failedNotes struct{ paths []string }

func (f *failedNotes) JobFailed(_ context.Context, _ domain.Job, _ error, path string) error {
	f.paths = append(f.paths, path)
	return nil
}

func TestFailureServiceArchivesThenNotifies(t *testing.T) {
	archive := &deadLetters{}
	notes := &failedNotes{}
	s := NewFailureService(archive, notes, testLogger())
	job := domain.Job{ID: "j1", Queue: domain.QueueOrderFixes}

	s.JobFailed(context.Background(), job, errors.New("boom"))
	require.Len(t, archive.jobs, 1)
	assert.Equal(t, []string{"dead-letter/order-fixes/j1.json"}, notes.paths)

	// A broken archive still produces a notification.
	archive.err = errors.New("s3 down")
	s.JobFailed(context.Background(), job, errors.New("boom"))
	assert.Equal(t, "", notes.paths[1])

	// Both collaborators are optional.
	NewFailureService(nil, nil, testLogger()).JobFailed(context.Background(), job, nil)
}
