package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func httpHandler(hub *Hub) http.Handler {
	return http.HandlerFunc(hub.HandleWebSocket)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients, have %d", n, hub.ClientCount())
}

func TestHub_BroadcastEvent(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(httpHandler(hub))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastEvent(map[string]any{"deviceId": "hue-1/bulb-1", "eventType": "illumination"})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid frame: %v", err)
	}
	if msg.Type != "event" {
		t.Errorf("Expected type event, got %s", msg.Type)
	}
	payload, ok := msg.Data.(map[string]any)
	if !ok || payload["deviceId"] != "hue-1/bulb-1" {
		t.Errorf("Unexpected payload %v", msg.Data)
	}
}

func TestHub_BroadcastReachability(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(httpHandler(hub))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastReachability("hue-1", false)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid frame: %v", err)
	}
	if msg.Type != "reachability" {
		t.Errorf("Expected type reachability, got %s", msg.Type)
	}
	payload := msg.Data.(map[string]any)
	if payload["adapterId"] != "hue-1" || payload["reachable"] != false {
		t.Errorf("Unexpected payload %v", payload)
	}
}

func TestHub_ClientDisconnectTracked(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(httpHandler(hub))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
