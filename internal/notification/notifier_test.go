package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	got := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		got <- a
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{
		Level: AlertCritical, Title: "feed down", Message: "binance disconnected", Key: "feed:binance",
	})
	require.NoError(t, err)

	a := <-got
	assert.Equal(t, AlertCritical, a.Level)
	assert.Equal(t, "feed:binance", a.Key)
	assert.False(t, a.TS.IsZero())
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	assert.Error(t, NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"}))
}

func TestTelegramNotifier_Send(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertWarning, Title: "cache", Message: "breaker open (redis-1)"}))
	assert.Equal(t, "42", body["chat_id"])
	assert.Contains(t, body["text"], `breaker open \(redis\-1\)`)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\.c\!`, escapeMarkdown("a_b.c!"))
	assert.Equal(t, "plain", escapeMarkdown("plain"))
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	err := Multi{ok, bad}.Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, ok.count())
}

func TestDispatcher_CooldownPerKey(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	var suppressed int
	d.OnDrop = func(Alert) { suppressed++ }

	d.Notify(Alert{Title: "down", Key: "feed:a"})
	d.Notify(Alert{Title: "down again", Key: "feed:a"})
	d.Notify(Alert{Title: "other", Key: "feed:b"})
	d.Notify(Alert{Title: "unkeyed"})
	now = now.Add(2 * time.Minute)
	d.Notify(Alert{Title: "down later", Key: "feed:a"})
	assert.Equal(t, 1, suppressed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	require.Eventually(t, func() bool { return rec.count() == 4 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_NeverBlocks(t *testing.T) {
	d := NewDispatcher(&recorder{}, 0)
	var dropped int
	d.OnDrop = func(Alert) { dropped++ }
	for i := 0; i < cap(d.queue)+10; i++ {
		d.Notify(Alert{Title: "x"})
	}
	assert.Equal(t, 10, dropped)
}
