package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

type recorder struct {
	name string
	msgs []Message
	err  error
}

func (r *recorder) Send(_ context.Context, msg Message) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersByEvent(t *testing.T) {
	rec := &recorder{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventJobFailed, " "}, discard())

	require.NoError(t, n.Notify(context.Background(), Message{Event: EventStartup, Title: "up"}))
	assert.Empty(t, rec.msgs)

	require.NoError(t, n.NotifyAll(context.Background(), Message{Event: EventStartup, Title: "up"}))
	assert.Len(t, rec.msgs, 1)
}

func TestJobFailedMessage(t *testing.T) {
	rec := &recorder{name: "rec"}
	n := NewNotifier([]Sender{rec}, nil, discard())
	job := domain.Job{ID: "0xabc-1-sale", Queue: domain.QueueOrderFixes, Attempt: 5}

	require.NoError(t, n.JobFailed(context.Background(), job, errors.New("rpc timeout"), "dead-letter/x.json"))
	require.Len(t, rec.msgs, 1)
	msg := rec.msgs[0]
	assert.Equal(t, EventJobFailed, msg.Event)
	assert.Equal(t, "rpc timeout", msg.Body)
	assert.Equal(t, []Field{{"job", "0xabc-1-sale"}, {"attempts", "5"}, {"archive", "dead-letter/x.json"}}, msg.Fields)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &recorder{name: "bad", err: errors.New("boom")}
	good := &recorder{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.msgs, 1)
}

func TestTelegramEscapesHTML(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), Message{Title: "a<b", Fields: []Field{{"job", "x_y"}}}))
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>a&lt;b</b>\njob: <code>x_y</code>", got["text"])
}

func TestDiscordEmbedColour(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), Message{Event: EventJobFailed, Title: "t", Fields: []Field{{"job", "1"}}}))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, colorFailure, got.Embeds[0].Color)
	assert.Equal(t, "`1`", got.Embeds[0].Fields[0].Value)

	srv.Close()
	assert.Error(t, s.Send(context.Background(), Message{Title: "t"}))
}
