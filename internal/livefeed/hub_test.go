package livefeed

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestSubscriber(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubPublishOnlyReachesSubscribedTopic(t *testing.T) {
	hub := NewHub(16)
	server := httptest.NewServer(Handler(hub))
	t.Cleanup(server.Close)

	conn := dialTestSubscriber(t, server)
	if err := conn.WriteJSON(controlMessage{Action: "subscribe", Topics: []string{"binance.btc_usdt.trade"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	waitForSubscriberCount(t, hub, 1)

	hub.Publish("binance.eth_usdt.trade", []byte("should not arrive"))
	hub.Publish("binance.btc_usdt.trade", []byte("hello"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("ReadMessage() = %q, want %q", data, "hello")
	}
}

func TestHubSubscribeAllReceivesEveryTopic(t *testing.T) {
	hub := NewHub(16)
	server := httptest.NewServer(Handler(hub))
	t.Cleanup(server.Close)

	conn := dialTestSubscriber(t, server)
	if err := conn.WriteJSON(controlMessage{Action: "subscribe", Topics: []string{"*"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitForSubscriberCount(t, hub, 1)

	hub.Publish("kraken.eth_usdt.order", []byte("anything"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "anything" {
		t.Fatalf("ReadMessage() = %q, want %q", data, "anything")
	}
}

func TestSubscriberSendToFullBufferDropsRatherThanBlocks(t *testing.T) {
	hub := NewHub(1)
	sub := NewSubscriber(nil, 1)
	sub.SubscribeAll()

	if !sub.Send([]byte("one")) {
		t.Fatal("first send should succeed")
	}
	if sub.Send([]byte("two")) {
		t.Fatal("second send should be dropped (buffer full)")
	}
	if sub.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", sub.Dropped)
	}
	_ = hub
}

func waitForSubscriberCount(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("SubscriberCount never reached %d", n)
}
