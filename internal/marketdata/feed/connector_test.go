package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/model"
)

// upstream is a scripted test feed. Each accepted connection is handed to
// onConn; subscribe frames it receives are recorded per connection.
type upstream struct {
	t      *testing.T
	srv    *httptest.Server
	onConn func(u *upstream, n int, conn *websocket.Conn)

	mu    sync.Mutex
	conns int
	subs  map[int][]string
}

func newUpstream(t *testing.T, onConn func(u *upstream, n int, conn *websocket.Conn)) *upstream {
	u := &upstream{t: t, onConn: onConn, subs: make(map[int][]string)}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns++
		n := u.conns
		u.mu.Unlock()
		u.onConn(u, n, conn)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http") + "/ws"
}

// readSubs reads n control frames from conn and records them under connection idx.
func (u *upstream) readSubs(idx int, conn *websocket.Conn, n int) {
	for i := 0; i < n; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f controlFrame
		if json.Unmarshal(raw, &f) != nil {
			continue
		}
		u.mu.Lock()
		if f.Action == Subscribe {
			u.subs[idx] = append(u.subs[idx], f.Symbol)
		}
		u.mu.Unlock()
	}
}

func (u *upstream) subsFor(idx int) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := append([]string(nil), u.subs[idx]...)
	sort.Strings(out)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func fastConfig(u *upstream) Config {
	return Config{
		Name:              "test",
		URL:               u.url(),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
	}
}

func TestConnector_DeliversTicks(t *testing.T) {
	u := newUpstream(t, func(u *upstream, n int, conn *websocket.Conn) {
		defer conn.Close()
		u.readSubs(n, conn, 1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":"65000.5","percentChange":"1.25","timestamp":1714557600000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"DOGEUSDT","price":"0.1"}`))
		time.Sleep(500 * time.Millisecond)
	})

	out := make(chan model.Tick, 10)
	c, err := New(fastConfig(u), GenericCodec{}, out)
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background(), []string{"btcusdt"})
	defer c.Stop()

	select {
	case tk := <-out:
		if tk.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %s, want BTCUSDT", tk.Symbol)
		}
		if tk.Price.String() != "65000.5" {
			t.Errorf("price = %s", tk.Price)
		}
		if !tk.PercentChange.Valid || tk.PercentChange.Decimal.String() != "1.25" {
			t.Errorf("change = %+v", tk.PercentChange)
		}
		if tk.Timestamp.UnixMilli() != 1714557600000 {
			t.Errorf("timestamp = %v", tk.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}

	waitFor(t, 2*time.Second, func() bool {
		s := c.Stats()
		return s.Malformed == 1 && s.Unknown == 1
	}, "malformed and unknown frames counted")
}

func TestConnector_ReconnectRestoresSubscriptions(t *testing.T) {
	u := newUpstream(t, func(u *upstream, n int, conn *websocket.Conn) {
		defer conn.Close()
		u.readSubs(n, conn, 2)
		if n == 1 {
			return // drop the first session
		}
		time.Sleep(time.Second)
	})

	var mu sync.Mutex
	var states []State
	out := make(chan model.Tick, 10)
	c, err := New(fastConfig(u), GenericCodec{}, out)
	if err != nil {
		t.Fatal(err)
	}
	c.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	c.Start(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	defer c.Stop()

	want := []string{"BTCUSDT", "ETHUSDT"}
	waitFor(t, 3*time.Second, func() bool { return len(u.subsFor(2)) == 2 }, "second session subscribed")

	if got := u.subsFor(1); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("first session subs = %v, want %v", got, want)
	}
	if got := u.subsFor(2); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("second session subs = %v, want %v", got, want)
	}
	if c.Stats().Reconnects < 1 {
		t.Errorf("expected at least one reconnect, got %d", c.Stats().Reconnects)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 4 || states[0] != Connecting || states[1] != Connected || states[2] != Disconnected {
		t.Errorf("unexpected state sequence %v", states)
	}
}

func TestConnector_SubscribeWhileConnected(t *testing.T) {
	u := newUpstream(t, func(u *upstream, n int, conn *websocket.Conn) {
		defer conn.Close()
		u.readSubs(n, conn, 2)
	})

	out := make(chan model.Tick, 1)
	c, err := New(fastConfig(u), GenericCodec{}, out)
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background(), []string{"BTCUSDT"})
	defer c.Stop()

	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected }, "connected")
	c.Subscribe("solusdt")

	waitFor(t, 2*time.Second, func() bool { return len(u.subsFor(1)) == 2 }, "dynamic subscribe sent")
	if got := u.subsFor(1); got[1] != "SOLUSDT" && got[0] != "SOLUSDT" {
		t.Errorf("subs = %v, want SOLUSDT among them", got)
	}
	if got := c.Subscriptions(); len(got) != 2 {
		t.Errorf("Subscriptions() = %v", got)
	}
}

func TestConnector_BackpressureDropsInsteadOfBlocking(t *testing.T) {
	u := newUpstream(t, func(u *upstream, n int, conn *websocket.Conn) {
		defer conn.Close()
		u.readSubs(n, conn, 1)
		for i := 0; i < 5; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":"1"}`))
		}
		time.Sleep(500 * time.Millisecond)
	})

	out := make(chan model.Tick, 1)
	c, err := New(fastConfig(u), GenericCodec{}, out)
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background(), []string{"BTCUSDT"})
	defer c.Stop()

	waitFor(t, 2*time.Second, func() bool { return c.Stats().Backpressure == 4 }, "four ticks dropped")
	if len(out) != 1 {
		t.Errorf("queue len = %d, want 1", len(out))
	}
}

func TestConnector_StopHaltsLoop(t *testing.T) {
	u := newUpstream(t, func(u *upstream, n int, conn *websocket.Conn) {
		defer conn.Close()
		u.readSubs(n, conn, 100)
	})

	c, err := New(fastConfig(u), GenericCodec{}, make(chan model.Tick, 1))
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background(), []string{"BTCUSDT"})
	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected }, "connected")

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if c.State() != Disconnected {
		t.Errorf("state after Stop = %v", c.State())
	}
	c.Stop() // idempotent
}

func TestConnector_RetriesUnreachableUpstream(t *testing.T) {
	c, err := New(Config{
		URL:               "ws://127.0.0.1:1/ws",
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 10 * time.Millisecond,
	}, GenericCodec{}, make(chan model.Tick, 1))
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background(), []string{"BTCUSDT"})
	defer c.Stop()

	waitFor(t, 2*time.Second, func() bool { return c.Stats().Reconnects >= 3 }, "keeps retrying")
}

func TestConnector_FlappingUpstreamKeepsBackingOff(t *testing.T) {
	var mu sync.Mutex
	var at []time.Time
	u := newUpstream(t, func(_ *upstream, _ int, conn *websocket.Conn) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
		conn.Close()
	})

	c, err := New(Config{
		Name:              "flap",
		URL:               u.url(),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 80 * time.Millisecond,
		StableAfter:       time.Hour,
	}, GenericCodec{}, make(chan model.Tick, 1))
	if err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background(), nil)
	defer c.Stop()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(at) >= 5
	}, "five connections")

	mu.Lock()
	defer mu.Unlock()
	// waits run 10, 20, 40, 80ms
	if gap := at[4].Sub(at[3]); gap < 60*time.Millisecond {
		t.Errorf("fifth dial came %s after the fourth; backoff was reset by a short session", gap)
	}
}

func TestBackoff(t *testing.T) {
	if got := backoff(time.Second, false); got != time.Second {
		t.Errorf("no jitter: got %s", got)
	}
	for i := 0; i < 1000; i++ {
		got := backoff(time.Second, true)
		if got < 500*time.Millisecond || got > time.Second {
			t.Fatalf("jittered wait %s outside [500ms, 1s]", got)
		}
	}
}

func TestStateString(t *testing.T) {
	if Connected.String() != "connected" || Connecting.String() != "connecting" || Disconnected.String() != "disconnected" {
		t.Error("unexpected state names")
	}
}
