// Package blur consumes the Blur aggregator websocket feed and turns its
// listing and bid updates into partial-order jobs.
package blur

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Feed is a websocket client for the Blur listing and bid feed. Every
// decoded update is enqueued on the partial-orders queue.
type Feed struct {
	wsURL       string
	collections []string
	queue       domain.JobQueue
	logger      *slog.Logger

	// baseDelay is the first reconnect delay; tests shorten it.
	baseDelay time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewFeed creates a Feed. An empty collections list subscribes to every
// collection the feed publishes.
func NewFeed(wsURL string, collections []string, queue domain.JobQueue, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:       wsURL,
		collections: collections,
		queue:       queue,
		logger:      logger.With(slog.String("component", "blur-feed")),
		baseDelay:   reconnectDelay,
	}
}

// Run connects and consumes the feed until ctx is cancelled, reconnecting
// with exponential backoff whenever the connection drops.
func (f *Feed) Run(ctx context.Context) error {
	delay := f.baseDelay
	for {
		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = f.baseDelay
		}
		f.logger.WarnContext(ctx, "feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		// Exponential backoff.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection. It reports whether the handshake succeeded.
func (f *Feed) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("blur: connect: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := f.send(Command{Type: "subscribe", Collections: f.collections}); err != nil {
		return true, fmt.Errorf("blur: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "feed connected", slog.Int("collections", len(f.collections)))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(sessionCtx)
	go func() {
		// Unblock ReadMessage on shutdown.
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("blur: %w: %v", domain.ErrWSDisconnect, err)
		}
		if err := f.handleMessage(ctx, message); err != nil {
			f.logger.WarnContext(ctx, "dropping feed message", slog.String("error", err.Error()))
		}
	}
}

func (f *Feed) send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return errors.New("not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.mu.Unlock()
					return
				}
			}
			f.mu.Unlock()
		}
	}
}

// handleMessage decodes one feed message and enqueues the matching job.
// Unknown message types are ignored.
func (f *Feed) handleMessage(ctx context.Context, raw []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("blur: decode envelope: %w", err)
	}

	var job domain.PartialJob
	switch envelope.Type {
	case MsgListing:
		var msg ListingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("blur: decode listing: %w", err)
		}
		listing, err := msg.ToPartialListing()
		if err != nil {
			return err
		}
		job = domain.PartialJob{Kind: domain.PartialKindListing, Listing: &listing}

	case MsgBids:
		var msg BidsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("blur: decode bids: %w", err)
		}
		bid, err := msg.ToPartialBid()
		if err != nil {
			return err
		}
		job = domain.PartialJob{Kind: domain.PartialKindBid, Bid: &bid}

	default:
		return nil
	}

	queued, err := domain.NewJob(domain.QueuePartialOrders, domain.PayloadKey("blur-"+string(job.Kind), job), job)
	if err != nil {
		return err
	}
	if err := f.queue.Enqueue(ctx, queued); err != nil {
		return fmt.Errorf("blur: enqueue: %w", err)
	}
	return nil
}
