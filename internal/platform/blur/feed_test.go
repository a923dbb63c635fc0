package blur

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

type memQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (q *memQueue) Enqueue(_ context.Context, jobs ...domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
	return nil
}

func (q *memQueue) snapshot() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Job(nil), q.jobs...)
}

func TestEtherToWei(t *testing.T) {
	wei, err := EtherToWei("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())

	wei, err = EtherToWei("0.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "1", wei.String())

	_, err = EtherToWei("0.0000000000000000001")
	assert.Error(t, err)
	_, err = EtherToWei("-1")
	assert.Error(t, err)
	_, err = EtherToWei("abc")
	assert.Error(t, err)
}

func TestListingConversion(t *testing.T) {
	price := "0.25"
	msg := ListingMessage{ContractAddress: "0xABC", TokenID: "9", Owner: "0xDEF", Price: &price}
	listing, err := msg.ToPartialListing()
	require.NoError(t, err)
	assert.Equal(t, "0xabc", listing.Collection)
	assert.Equal(t, "0xdef", listing.Owner)
	assert.Equal(t, "250000000000000000", listing.Price.String())

	msg.Price = nil
	listing, err = msg.ToPartialListing()
	require.NoError(t, err)
	assert.Nil(t, listing.Price)

	_, err = ListingMessage{TokenID: "1"}.ToPartialListing()
	assert.Error(t, err)
}

func TestBidsConversion(t *testing.T) {
	msg := BidsMessage{ContractAddress: "0xABC", Full: true, Updates: []BidLevel{
		{Price: "2", ExecutableSize: 3, BidderCount: 2},
		{Price: "1.1", ExecutableSize: 0},
	}}
	bid, err := msg.ToPartialBid()
	require.NoError(t, err)
	assert.True(t, bid.FullUpdate)
	require.Len(t, bid.PricePoints, 2)
	assert.Equal(t, "2000000000000000000", bid.PricePoints[0].Price.String())
	assert.Equal(t, int64(2), bid.PricePoints[0].NumberOfBids)
	assert.Equal(t, int64(0), bid.PricePoints[1].ExecutableSize)
}

func TestHandleMessageKeysJobsByPayload(t *testing.T) {
	q := &memQueue{}
	f := NewFeed("ws://unused", nil, q, slog.New(slog.NewTextHandler(io.Discard, nil)))
	raw := []byte(`{"type":"listing","contractAddress":"0xabc","tokenId":"1","owner":"0x1","price":"1"}`)

	require.NoError(t, f.handleMessage(context.Background(), raw))
	require.NoError(t, f.handleMessage(context.Background(), raw))
	require.NoError(t, f.handleMessage(context.Background(), []byte(`{"type":"heartbeat"}`)))
	assert.Error(t, f.handleMessage(context.Background(), []byte(`{"type":"bids","contractAddress":"0xabc","updates":[{"price":"x"}]}`)))

	jobs := q.snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, jobs[0].ID, jobs[1].ID)
	assert.True(t, strings.HasPrefix(jobs[0].ID, "blur-listing-"))
	assert.Equal(t, domain.QueuePartialOrders, jobs[0].Queue)

	var job domain.PartialJob
	require.NoError(t, jobs[0].Decode(&job))
	assert.Equal(t, domain.PartialKindListing, job.Kind)
	require.NotNil(t, job.Listing)
	assert.Equal(t, "1000000000000000000", job.Listing.Price.String())
}

func TestFeedSubscribesAndReconnects(t *testing.T) {
	var (
		mu         sync.Mutex
		subscribes []Command
		conns      int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		mu.Lock()
		subscribes = append(subscribes, cmd)
		conns++
		n := conns
		mu.Unlock()

		msg := map[string]any{"type": "bids", "contractAddress": "0xabc", "full": n == 1,
			"updates": []map[string]any{{"price": "1", "executableSize": n}}}
		data, _ := json.Marshal(msg)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	q := &memQueue{}
	f := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"0xabc"}, q, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.baseDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(q.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(subscribes), 2)
	assert.Equal(t, "subscribe", subscribes[0].Type)
	assert.Equal(t, []string{"0xabc"}, subscribes[0].Collections)
	assert.NotEqual(t, q.snapshot()[0].ID, q.snapshot()[1].ID)
}
