package tradesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeFetcher struct {
	fetches atomic.Int64
	fail    atomic.Int64 // fetches to fail before succeeding
	view    atomic.Value // TradeView
}

func (f *fakeFetcher) FetchTrade(_ context.Context, _ string) (TradeView, []Message, error) {
	f.fetches.Add(1)
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return TradeView{}, nil, errors.New("snapshot unavailable")
	}
	return f.view.Load().(TradeView), []Message{{Seq: 1, Text: "hi"}}, nil
}

// wsScript runs one scripted WebSocket connection per accept.
func wsScript(t *testing.T, script func(conn *websocket.Conn, connection int)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var connections atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		n := int(connections.Add(1))

		// Every connection must open with a SUBSCRIBE frame.
		var sub ControlFrame
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Action != ActionSubscribe || sub.Payload.ID != "trd_1" {
			t.Errorf("bad subscribe frame: %+v", sub)
		}

		script(conn, n)
	}))
}

func TestSessionRefetchesOnReconnect(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.view.Store(baseView())

	secondConn := make(chan struct{})
	srv := wsScript(t, func(conn *websocket.Conn, connection int) {
		switch connection {
		case 1:
			_ = conn.WriteJSON(map[string]any{
				"method": MethodUpdate,
				"data":   map[string]any{"status": "paid", "version": 2},
			})
			_ = conn.Close() // force a reconnect
		default:
			close(secondConn)
			_ = conn.WriteJSON(map[string]any{
				"method": MethodUpdate,
				"data":   map[string]any{"status": "released", "version": 3},
			})
			// Hold the connection open until the client goes away.
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}
	})
	defer srv.Close()

	sess, err := NewSession(Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		TradeID: "trd_1",
		Fetcher: fetcher,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sess.Run(ctx)
		close(done)
	}()

	select {
	case <-secondConn:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reconnected")
	}

	// Wait for the second connection's update to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		view, msgs := sess.State()
		if view.Status == "released" {
			if len(msgs) != 1 || msgs[0].Seq != 1 {
				t.Fatalf("messages = %v", msgs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("update never applied, view = %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// One snapshot fetch per connection: the session must not trust
	// pushes across a reconnect without re-fetching.
	if n := fetcher.fetches.Load(); n < 2 {
		t.Fatalf("expected a re-fetch on reconnect, got %d fetches", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}

func TestSessionKeepsPushSentDuringSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.view.Store(baseView())

	srv := wsScript(t, func(conn *websocket.Conn, connection int) {
		// Push the instant the subscription lands, racing the snapshot
		// fetch. Subscribing first means the frame is buffered on the
		// socket and read once the snapshot is in.
		_ = conn.WriteJSON(map[string]any{
			"method": MethodReply,
			"data": map[string]any{
				"message": map[string]any{"seq": 2, "tradeId": "trd_1", "text": "mid-fetch"},
			},
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	sess, err := NewSession(Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		TradeID: "trd_1",
		Fetcher: fetcher,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sess.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, msgs := sess.State()
		if len(msgs) == 2 {
			if msgs[0].Seq != 1 || msgs[1].Seq != 2 {
				t.Fatalf("messages = %v", msgs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pushed message never applied, messages = %v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestSessionReconnectsWhenSnapshotFails(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.view.Store(baseView())
	fetcher.fail.Store(1)

	secondConn := make(chan struct{})
	srv := wsScript(t, func(conn *websocket.Conn, connection int) {
		if connection == 2 {
			close(secondConn)
		}
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	sess, err := NewSession(Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		TradeID: "trd_1",
		Fetcher: fetcher,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sess.Run(ctx)
		close(done)
	}()

	// The first attempt dials fine but its snapshot fetch fails, so the
	// session must tear the socket down and try again rather than apply
	// pushes to a view it never loaded.
	select {
	case <-secondConn:
	case <-time.After(5 * time.Second):
		t.Fatal("session never retried after failed snapshot")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		view, _ := sess.State()
		if view.ID == "trd_1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never loaded, view = %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := fetcher.fetches.Load(); n < 2 {
		t.Fatalf("expected a fetch per attempt, got %d", n)
	}

	cancel()
	<-done
}

func TestSessionDegradesToPolling(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.view.Store(baseView())

	sess, err := NewSession(Config{
		URL:             "ws://127.0.0.1:1", // nothing listening
		TradeID:         "trd_1",
		Fetcher:         fetcher,
		MaxDialFailures: 2,
		MaxBackoff:      20 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sess.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !sess.Degraded() {
		if time.Now().After(deadline) {
			t.Fatal("session never entered degraded mode")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Polling keeps the view fresh even without a socket.
	before := fetcher.fetches.Load()
	deadline = time.Now().Add(2 * time.Second)
	for fetcher.fetches.Load() <= before {
		if time.Now().After(deadline) {
			t.Fatal("no poll fetch while degraded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
