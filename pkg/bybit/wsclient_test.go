package bybit

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
	"go.uber.org/zap"
)

// go test -v --run TestWSClientSubscribeAndReconnect
func TestWSClientSubscribeAndReconnect(t *testing.T) {
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sessions.Add(1)

		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Op != "subscribe" || len(sub.Args) != 1 || sub.Args[0] != "tickers.BTCUSDT" {
			t.Errorf("unexpected subscription %+v", sub)
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1,"data":{"symbol":"BTCUSDT","lastPrice":"100"}}`))
		// drop the session to force a reconnect
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewWSClient(url, []string{TickerTopic("BTCUSDT")}, time.Second, zap.NewNop())

	var received atomic.Int32
	client.SetMessageHandler(func(msg []byte) {
		received.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	for received.Load() < 2 && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() < 2 || sessions.Load() < 2 {
		t.Fatalf("received=%d sessions=%d, want reconnect with messages", received.Load(), sessions.Load())
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// go test -v --run TestWSClientDialFailure
func TestWSClientDialFailure(t *testing.T) {
	client := NewWSClient("ws://127.0.0.1:1/none", nil, 200*time.Millisecond, zap.NewNop())
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
