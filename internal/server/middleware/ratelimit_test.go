package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLimiter struct {
	keys    []string
	allowed bool
	err     error
}

func (l *recordingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allowed, l.err
}

func (l *recordingLimiter) Wait(context.Context, string) error { return nil }

func serve(t *testing.T, l *recordingLimiter, header, value string) *httptest.ResponseRecorder {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	h := RateLimit(l, "orders-fix", 30, time.Minute)(ok)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/fix", nil)
	req.RemoteAddr = "10.0.0.9:51234"
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitKeysByRouteAndClient(t *testing.T) {
	l := &recordingLimiter{allowed: true}
	assert.Equal(t, http.StatusAccepted, serve(t, l, "", "").Code)
	serve(t, l, "X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	serve(t, l, "X-Real-IP", " 198.51.100.2 ")

	assert.Equal(t, []string{
		"api:orders-fix:10.0.0.9",
		"api:orders-fix:203.0.113.7",
		"api:orders-fix:198.51.100.2",
	}, l.keys)
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	rec := serve(t, &recordingLimiter{}, "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}

func TestRateLimitFailsOpen(t *testing.T) {
	rec := serve(t, &recordingLimiter{err: errors.New("redis down")}, "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
